/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package collector

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	dialTimeout    = 10 * time.Second
	commandTimeout = 15 * time.Second
)

// clientCache keeps one SSH client per host and re-dials when a cached
// connection has gone stale. Sessions are cheap once the client exists, so
// a collection bundle reuses a single client.
type clientCache struct {
	resolver CredentialResolver
	logger   logger.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

func newClientCache(resolver CredentialResolver, log logger.Logger) *clientCache {
	return &clientCache{
		resolver: resolver,
		logger:   log,
		clients:  make(map[string]*ssh.Client),
	}
}

// get returns a live client for the machine, dialing if needed.
func (c *clientCache) get(ctx context.Context, m *models.Machine) (*ssh.Client, *CollectionError) {
	c.mu.Lock()
	client, ok := c.clients[m.IP]
	c.mu.Unlock()

	if ok {
		if alive(client) {
			return client, nil
		}

		c.drop(m.IP)
	}

	auth, err := c.resolver.Resolve(m)
	if err != nil {
		return nil, newCollectionError(KindAuthFailure, err)
	}

	cfg := &ssh.ClientConfig{
		User: m.SSHUser,
		Auth: auth,
		// Fleet hosts are provisioned and re-imaged on a private network;
		// pinning host keys would break every re-image.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(m.IP, fmt.Sprintf("%d", m.SSHPort))

	client, cerr := dialContext(ctx, addr, cfg)
	if cerr != nil {
		return nil, cerr
	}

	c.mu.Lock()
	c.clients[m.IP] = client
	c.mu.Unlock()

	return client, nil
}

// dialContext dials TCP under the caller's context, then runs the SSH
// handshake on the raw connection. x/crypto/ssh has no context-aware Dial.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, *CollectionError) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, classifyDialError(err)
	}

	// Clear the handshake deadline; per-command deadlines take over.
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// alive sends a keepalive request to test a cached connection.
func alive(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@fleetwatch", true, nil)
	return err == nil
}

func (c *clientCache) drop(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[ip]; ok {
		client.Close()
		delete(c.clients, ip)
	}
}

// closeAll closes every cached connection, for shutdown and for credential
// changes that require reconnecting.
func (c *clientCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ip, client := range c.clients {
		if err := client.Close(); err != nil {
			c.logger.Debug().Err(err).Str("ip", ip).Msg("Error closing SSH connection")
		}

		delete(c.clients, ip)
	}
}

// run executes one command and returns trimmed stdout. Command failures
// return empty output rather than an error: individual bundle commands are
// allowed to be missing on a host (parsing degrades instead).
func run(ctx context.Context, client *ssh.Client, command string) string {
	session, err := client.NewSession()
	if err != nil {
		return ""
	}
	defer session.Close()

	var stdout bytes.Buffer

	session.Stdout = &stdout

	done := make(chan error, 1)

	go func() {
		done <- session.Run(command)
	}()

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	select {
	case <-cmdCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ""
	case err := <-done:
		if err != nil {
			// Commands in the bundle carry their own fallbacks
			// (`cmd || alt`); a non-zero exit with output is still usable.
			if stdout.Len() == 0 {
				return ""
			}
		}

		return strings.TrimSpace(stdout.String())
	}
}
