// Package mpdclient is a minimal client for the subset of MPD's line-oriented
// text protocol the cast bridge needs: idle, status, currentsong, and
// readpicture. No MPD client library exists anywhere in the retrieved
// example corpus, so this talks the documented protocol directly over
// net.Conn — see DESIGN.md for why this is a justified stdlib-only package.
package mpdclient

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Client is a single persistent connection to an MPD server. MPD serializes
// commands per connection, so a Client is not safe for concurrent command
// issuance; callers needing to idle() on one connection while issuing
// commands on another should open two Clients (mirroring the cast bridge's
// own two-connection usage in the Python original).
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to an MPD server at addr ("host:port") and consumes its
// greeting line.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("mpdclient: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, reader: bufio.NewReader(conn)}
	greeting, err := c.reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mpdclient: reading greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "OK MPD") {
		conn.Close()
		return nil, fmt.Errorf("mpdclient: unexpected greeting %q", greeting)
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// command sends a single-line command and reads response lines until "OK" or
// "ACK ..." is seen, returning the key: value lines in between.
func (c *Client) command(cmd string) ([]string, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		return nil, fmt.Errorf("mpdclient: sending %q: %w", cmd, err)
	}
	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("mpdclient: reading response to %q: %w", cmd, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "OK" {
			return lines, nil
		}
		if strings.HasPrefix(line, "ACK ") {
			return nil, fmt.Errorf("mpdclient: %s", line)
		}
		lines = append(lines, line)
	}
}

func parseKV(lines []string) map[string]string {
	out := make(map[string]string, len(lines))
	for _, line := range lines {
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		out[line[:idx]] = line[idx+2:]
	}
	return out
}

// Idle blocks until MPD reports a change in one of subsystems (or any
// subsystem, if none given), returning the subsystems that changed.
func (c *Client) Idle(subsystems ...string) ([]string, error) {
	// a long idle call needs a read deadline well beyond MPD's own timeout
	// expectations; MPD has no idle timeout of its own so we leave none.
	cmd := "idle"
	if len(subsystems) > 0 {
		cmd += " " + strings.Join(subsystems, " ")
	}
	lines, err := c.command(cmd)
	if err != nil {
		return nil, err
	}
	kv := parseKV(lines)
	var changed []string
	for k, v := range kv {
		if k == "changed" {
			changed = append(changed, v)
		}
	}
	return changed, nil
}

// NoIdle cancels an outstanding idle command on this connection.
func (c *Client) NoIdle() error {
	_, err := fmt.Fprintf(c.conn, "noidle\n")
	return err
}

// Status is MPD's "status" command response, fields relevant to the bridge.
type Status struct {
	State       string // "play", "pause", or "stop"
	SongID      int
	ElapsedSecs float64
}

// Status issues the "status" command.
func (c *Client) Status() (Status, error) {
	lines, err := c.command("status")
	if err != nil {
		return Status{}, err
	}
	kv := parseKV(lines)
	st := Status{State: kv["state"]}
	if v, ok := kv["songid"]; ok {
		st.SongID, _ = strconv.Atoi(v)
	}
	if v, ok := kv["elapsed"]; ok {
		st.ElapsedSecs, _ = strconv.ParseFloat(v, 64)
	}
	return st, nil
}

// Song is the subset of "currentsong" fields the bridge needs.
type Song struct {
	File   string
	Title  string
	Artist string
}

// CurrentSong issues the "currentsong" command.
func (c *Client) CurrentSong() (Song, error) {
	lines, err := c.command("currentsong")
	if err != nil {
		return Song{}, err
	}
	kv := parseKV(lines)
	return Song{File: kv["file"], Title: kv["Title"], Artist: kv["Artist"]}, nil
}

// ReadPicture fetches embedded album art for uri, issuing as many chunked
// "readpicture" calls as MPD requires to assemble the full binary payload.
func (c *Client) ReadPicture(uri string) ([]byte, error) {
	var out []byte
	offset := 0
	for {
		cmd := fmt.Sprintf("readpicture %q %d", uri, offset)
		if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
			return nil, err
		}
		size, chunk, err := c.readBinaryResponse()
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		offset += len(chunk)
		if len(chunk) == 0 || offset >= size {
			break
		}
	}
	return out, nil
}

// readBinaryResponse reads MPD's "size: N\nbinary: M\n<M bytes>\nOK\n" framing
// used by readpicture/albumart.
func (c *Client) readBinaryResponse() (size int, chunk []byte, err error) {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return 0, nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "OK" {
			return size, chunk, nil
		}
		if strings.HasPrefix(line, "ACK ") {
			return 0, nil, fmt.Errorf("mpdclient: %s", line)
		}
		if strings.HasPrefix(line, "size: ") {
			size, _ = strconv.Atoi(strings.TrimPrefix(line, "size: "))
			continue
		}
		if strings.HasPrefix(line, "binary: ") {
			n, _ := strconv.Atoi(strings.TrimPrefix(line, "binary: "))
			buf := make([]byte, n)
			if _, err := readFull(c.reader, buf); err != nil {
				return 0, nil, err
			}
			// MPD follows the binary payload with a trailing newline before OK.
			if _, err := c.reader.ReadString('\n'); err != nil {
				return 0, nil, err
			}
			chunk = buf
			continue
		}
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
