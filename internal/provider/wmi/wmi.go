// Package wmi samples formatted performance counters and processes of a
// Windows host through WMI, locally or remotely.
package wmi

const namespace = `root\cimv2`

// Credentials is an optional identity used to connect to a remote host.
// When User is empty the identity of the agent process is used.
type Credentials struct {
	User     string
	Password string
}

type connection struct {
	host        string
	credentials Credentials
}

func (c *connection) Host() string { return c.host }

func (c *connection) Close() error { return nil }

// connectServerArgs returns the SWbemLocator.ConnectServer arguments for c.
func (c *connection) connectServerArgs() []interface{} {
	host := c.host
	if host == "" {
		host = "."
	}
	args := []interface{}{host, namespace}
	if c.credentials.User != "" {
		args = append(args, c.credentials.User, c.credentials.Password)
	}
	return args
}
