package protocol

import (
	"fmt"
	"net"

	"github.com/tidwall/redcon"
)

// testConn records handler output as rendered RESP-ish strings.
type testConn struct {
	ctx    interface{}
	out    []string
	closed bool
}

var _ redcon.Conn = (*testConn)(nil)

func (c *testConn) RemoteAddr() string { return "test:0" }

func (c *testConn) Close() error {
	c.closed = true
	return nil
}

func (c *testConn) WriteError(msg string)        { c.out = append(c.out, "-"+msg) }
func (c *testConn) WriteString(str string)       { c.out = append(c.out, "+"+str) }
func (c *testConn) WriteBulk(bulk []byte)        { c.out = append(c.out, "$"+string(bulk)) }
func (c *testConn) WriteBulkString(bulk string)  { c.out = append(c.out, "$"+bulk) }
func (c *testConn) WriteInt(num int)             { c.out = append(c.out, fmt.Sprintf(":%d", num)) }
func (c *testConn) WriteInt64(num int64)         { c.out = append(c.out, fmt.Sprintf(":%d", num)) }
func (c *testConn) WriteUint64(num uint64)       { c.out = append(c.out, fmt.Sprintf(":%d", num)) }
func (c *testConn) WriteArray(count int)         { c.out = append(c.out, fmt.Sprintf("*%d", count)) }
func (c *testConn) WriteNull()                   { c.out = append(c.out, "(nil)") }
func (c *testConn) WriteRaw(data []byte)         { c.out = append(c.out, string(data)) }
func (c *testConn) WriteAny(any interface{})     { c.out = append(c.out, fmt.Sprint(any)) }
func (c *testConn) Context() interface{}         { return c.ctx }
func (c *testConn) SetContext(v interface{})     { c.ctx = v }
func (c *testConn) SetReadBuffer(n int)          {}
func (c *testConn) Detach() redcon.DetachedConn { return nil }
func (c *testConn) ReadPipeline() []redcon.Command { return nil }
func (c *testConn) PeekPipeline() []redcon.Command { return nil }
func (c *testConn) NetConn() net.Conn            { return nil }

// last returns the final reply written.
func (c *testConn) last() string {
	if len(c.out) == 0 {
		return ""
	}
	return c.out[len(c.out)-1]
}

func command(args ...string) redcon.Command {
	cmd := redcon.Command{}
	for _, arg := range args {
		cmd.Args = append(cmd.Args, []byte(arg))
	}
	return cmd
}
