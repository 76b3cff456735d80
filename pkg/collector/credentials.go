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
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

var errNoAuthAvailable = errors.New("no usable authentication material")

// CredentialResolver turns a machine's credential reference into SSH
// authentication material. Resolution failures surface to the caller as
// auth failures on that host only.
type CredentialResolver interface {
	Resolve(m *models.Machine) ([]ssh.AuthMethod, error)
}

// FileCredentialResolver resolves credentials from private-key files. A
// machine's CredentialRef names a key file (relative refs resolve under the
// key directory); machines without a ref use the registry-wide default key.
// When neither loads, the operator's ~/.ssh/config IdentityFile for the host
// is tried as a last resort.
type FileCredentialResolver struct {
	defaultKeyPath string
	logger         logger.Logger
}

var _ CredentialResolver = (*FileCredentialResolver)(nil)

func NewFileCredentialResolver(defaultKeyPath string, log logger.Logger) *FileCredentialResolver {
	return &FileCredentialResolver{defaultKeyPath: defaultKeyPath, logger: log}
}

func (r *FileCredentialResolver) Resolve(m *models.Machine) ([]ssh.AuthMethod, error) {
	var tried []string

	for _, path := range r.candidateKeyPaths(m) {
		method, err := keyFileAuth(path)
		if err != nil {
			tried = append(tried, fmt.Sprintf("%s (%v)", path, err))
			continue
		}

		return []ssh.AuthMethod{method}, nil
	}

	if len(tried) > 0 {
		r.logger.Debug().
			Str("ip", m.IP).
			Strs("tried", tried).
			Msg("No key file loaded for host")
	}

	if method, ok := sshAgentAuth(); ok {
		return []ssh.AuthMethod{method}, nil
	}

	return nil, errNoAuthAvailable
}

// sshAgentAuth falls back to a running ssh-agent when no key file loads.
func sshAgentAuth() (ssh.AuthMethod, bool) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, false
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, false
	}

	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), true
}

func (r *FileCredentialResolver) candidateKeyPaths(m *models.Machine) []string {
	var paths []string

	if m.CredentialRef != "" {
		ref := m.CredentialRef
		if !filepath.IsAbs(ref) && r.defaultKeyPath != "" {
			ref = filepath.Join(filepath.Dir(r.defaultKeyPath), ref)
		}

		paths = append(paths, ref)
	}

	if r.defaultKeyPath != "" {
		paths = append(paths, r.defaultKeyPath)
	}

	if identity := sshConfigIdentityFile(m.IP); identity != "" {
		paths = append(paths, identity)
	}

	return paths
}

// sshConfigIdentityFile reads the IdentityFile for a host from the
// operator's ~/.ssh/config, if one is configured.
func sshConfigIdentityFile(host string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	f, err := os.Open(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		return ""
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return ""
	}

	identity, err := cfg.Get(host, "IdentityFile")
	if err != nil || identity == "" {
		return ""
	}

	return expandHome(identity)
}

func keyFileAuth(keyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}

	return ssh.PublicKeys(signer), nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
