package migrate

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// respClient is the minimal RESP2 client the worker uses to push keys at the
// target node. The server side speaks redcon; the client side is this, since
// the worker only ever needs pipelined request/reply pairs.
type respClient struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	io   time.Duration
}

func dialRESP(addr string, dialTimeout, ioTimeout time.Duration) (*respClient, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return &respClient{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
		io:   ioTimeout,
	}, nil
}

func (c *respClient) close() error {
	return c.conn.Close()
}

// do sends one command and reads its reply. Error replies come back as Go
// errors with the server's message intact so BUSYKEY and redirects can be
// matched by prefix.
func (c *respClient) do(args ...[]byte) (string, error) {
	c.conn.SetDeadline(time.Now().Add(c.io))

	fmt.Fprintf(c.w, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(c.w, "$%d\r\n", len(arg))
		c.w.Write(arg)
		c.w.WriteString("\r\n")
	}
	if err := c.w.Flush(); err != nil {
		return "", errors.Wrap(err, "write command")
	}
	return c.readReply()
}

func (c *respClient) readReply() (string, error) {
	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	if len(line) == 0 {
		return "", errors.New("empty reply")
	}
	switch line[0] {
	case '+', ':':
		return line[1:], nil
	case '-':
		return "", errors.New(line[1:])
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			return "", errors.Wrap(err, "bad bulk length")
		}
		if n < 0 {
			return "", nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return "", errors.Wrap(err, "read bulk body")
		}
		return string(buf[:n]), nil
	default:
		return "", errors.Errorf("unexpected reply type %q", line[0])
	}
}

func (c *respClient) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read reply")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
