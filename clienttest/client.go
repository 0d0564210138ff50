// Package clienttest drives a real pcpd server over UDP the way a PCP
// client would.
package clienttest

import (
	"net"
	"time"
)

type PCPClient struct {
	conn net.Conn
}

func NewPCPClient(address string, timeout time.Duration) (*PCPClient, error) {
	conn, err := net.DialTimeout("udp", address, timeout)
	if err != nil {
		return nil, err
	}
	return &PCPClient{conn: conn}, nil
}

func (c *PCPClient) Send(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

func (c *PCPClient) Receive(maxLen int) ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxLen)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// LocalIP is the address the server sees datagrams from.
func (c *PCPClient) LocalIP() net.IP {
	return c.conn.LocalAddr().(*net.UDPAddr).IP
}

func (c *PCPClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
