// Copyright © 2024 MoleQueue contributors.
//
//  This file is part of molequeue.
//
//  molequeue is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  molequeue is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.

package scheduler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OpenChemistry/molequeue/internal"
	"github.com/kr/fs"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const touchStampFormat = "200601021504.05"

// sshDialTimeout bounds how long sshClient keeps retrying after a
// failed first connection attempt (each attempt itself times out
// after 5s); spec §5's
// "Concurrency & resource model" gives remote control operations a
// default 30s timeout.
const sshDialTimeout = 30 * time.Second

// sshTransport is the RemoteShellTransport implementation (spec
// §4.7) for the PBS/SGE/SLURM/OAR queue types: a long-lived SSH
// connection to one remote host, used for command execution and
// file/directory transfer. It is adapted from
// cloud/server.go's Server type: the VM-lifecycle bookkeeping
// (Allocate/Release/HasSpaceFor/Destroy/GoneBad/Flavor) has no home
// here since MoleQueue never provisions the machines it submits to —
// only the SSH/SFTP plumbing survives, rebound to a queue's remote
// host instead of a cloud-spawned VM.
type sshTransport struct {
	host     string
	port     int
	user     string
	signer   ssh.Signer
	hostKey  ssh.HostKeyCallback

	mu       sync.Mutex
	client   *ssh.Client
	location *time.Location
}

// newSSHTransport creates a transport bound to one remote host. The
// connection is established lazily on first use.
func newSSHTransport(host string, port int, user string, signer ssh.Signer) *sshTransport {
	return &sshTransport{
		host:    host,
		port:    port,
		user:    user,
		signer:  signer,
		hostKey: ssh.InsecureIgnoreHostKey(),
	}
}

// sshClient returns a connected ssh.Client, dialing if necessary.
func (t *sshTransport) sshClient() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	config := &ssh.ClientConfig{
		User:            t.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(t.signer)},
		HostKeyCallback: t.hostKey,
		Timeout:         5 * time.Second,
	}

	hostAndPort := fmt.Sprintf("%s:%d", t.host, t.port)
	client, err := ssh.Dial("tcp", hostAndPort, config)
	if err != nil {
		limit := time.After(sshDialTimeout)
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
	DIAL:
		for {
			select {
			case <-ticker.C:
				client, err = ssh.Dial("tcp", hostAndPort, config)
				if err == nil {
					break DIAL
				}
				if !transientDialError(err) {
					break DIAL
				}
			case <-limit:
				err = errors.New("giving up waiting for ssh to become available")
				break DIAL
			}
		}
		if err != nil {
			return nil, err
		}
	}
	t.client = client
	return client, nil
}

func transientDialError(err error) bool {
	msg := err.Error()
	return strings.HasSuffix(msg, "connection timed out") ||
		strings.HasSuffix(msg, "no route to host") ||
		strings.HasSuffix(msg, "connection refused")
}

// execute implements the RemoteBackend capability set's `execute`:
// run command on the remote host and return combined stdout+stderr
// and the exit code.
func (t *sshTransport) execute(command string) (output string, exitCode int, err error) {
	client, err := t.sshClient()
	if err != nil {
		return "", -1, err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	runErr := session.Run(command)
	if runErr == nil {
		return out.String(), 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		return out.String(), exitErr.ExitStatus(), nil
	}
	return out.String(), -1, fmt.Errorf("running %q: %w", command, runErr)
}

// copyTo uploads a local file to a remote path, creating parent
// directories as needed, and sets the remote mtime to match the
// local file's (spec §9's "CopyOver-style config file staging"
// SUPPLEMENTED FEATURE, grounded on cloud/server.go's CopyOver).
func (t *sshTransport) copyTo(localPath, remotePath string) error {
	client, err := t.sshClient()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := t.mkdirRemote(remotePath); err != nil {
		return err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return t.touch(remotePath, info.ModTime())
}

// copyFrom downloads a remote file to a local path.
func (t *sshTransport) copyFrom(remotePath, localPath string) error {
	client, err := t.sshClient()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp client: %w", err)
	}
	defer sftpClient.Close()

	src, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("opening remote file %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// copyDirTo recursively uploads localDir to remoteDir, walking the
// local tree with github.com/kr/fs the way cloud/server.go's sibling
// tooling in the wr lineage does for directory-shaped transfers.
func (t *sshTransport) copyDirTo(localDir, remoteDir string) error {
	client, err := t.sshClient()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp client: %w", err)
	}
	defer sftpClient.Close()

	walker := fs.Walk(localDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, walker.Path())
		if err != nil {
			return err
		}
		remotePath := filepath.ToSlash(filepath.Join(remoteDir, rel))
		if walker.Stat().IsDir() {
			if rel == "." {
				continue
			}
			if _, _, err := t.execute("mkdir -p " + remotePath); err != nil {
				return err
			}
			continue
		}
		if err := t.copyTo(walker.Path(), remotePath); err != nil {
			return err
		}
	}
	return nil
}

// copyDirFrom recursively downloads remoteDir to localDir.
func (t *sshTransport) copyDirFrom(remoteDir, localDir string) error {
	client, err := t.sshClient()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp client: %w", err)
	}
	defer sftpClient.Close()

	walker := sftpClient.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(remoteDir, walker.Path())
		if err != nil {
			return err
		}
		localPath := filepath.Join(localDir, rel)
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(localPath, 0755); err != nil {
				return err
			}
			continue
		}
		if err := t.copyFrom(walker.Path(), localPath); err != nil {
			return err
		}
	}
	return nil
}

// removeRemote runs a guarded "rm -rf" on the remote host, refusing
// to act on a path that resolves to "/" (spec §4.7 "Safety on remote
// path").
func (t *sshTransport) removeRemote(path string) error {
	if isUnsafeRemovalPath(path) {
		return fmt.Errorf("refusing to remove unsafe remote path %q", path)
	}
	_, _, err := t.execute("rm -rf " + path)
	return err
}

func (t *sshTransport) mkdirRemote(dest string) error {
	dir := filepath.Dir(dest)
	if dir == "." {
		return nil
	}
	_, _, err := t.execute("mkdir -p " + dir)
	return err
}

// timeZone lazily discovers the remote host's UTC offset, used by
// touch to preserve upload mtimes (cloud/server.go's GetTimeZone).
func (t *sshTransport) timeZone() (*time.Location, error) {
	t.mu.Lock()
	if t.location != nil {
		defer t.mu.Unlock()
		return t.location, nil
	}
	t.mu.Unlock()

	out, _, err := t.execute("date +%z")
	if err != nil {
		return nil, err
	}
	parsed, err := time.Parse("-0700", strings.TrimSpace(out))
	if err != nil {
		return nil, err
	}
	_, offset := parsed.Zone()
	loc := time.FixedZone("remote", offset)

	t.mu.Lock()
	t.location = loc
	t.mu.Unlock()
	return loc, nil
}

func (t *sshTransport) touch(remotePath string, mtime time.Time) error {
	loc, err := t.timeZone()
	if err != nil {
		return err
	}
	stamp := mtime.UTC().In(loc).Format(touchStampFormat)
	_, _, err = t.execute(fmt.Sprintf("touch -t %s %s", stamp, remotePath))
	return err
}

// stageConfigFiles implements the "CopyOver-style config file
// staging" SUPPLEMENTED FEATURE: files is a comma-separated list of
// local paths (optionally "local:remote"), `~/`-relative paths are
// resolved against the local home directory, and files that don't
// exist locally are silently skipped.
func (t *sshTransport) stageConfigFiles(files string) error {
	for _, path := range strings.Split(files, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		var localPath, remotePath string
		if parts := strings.SplitN(path, ":", 2); len(parts) == 2 {
			localPath, remotePath = parts[0], parts[1]
		} else {
			localPath, remotePath = path, path
		}

		localPath = internal.TildaToHome(localPath)
		if _, err := os.Stat(localPath); err != nil {
			continue
		}
		if strings.HasPrefix(remotePath, "~/") {
			remotePath = "./" + strings.TrimPrefix(remotePath, "~/")
		}
		if err := t.copyTo(localPath, remotePath); err != nil {
			return err
		}
		if _, _, err := t.execute("chmod 600 " + remotePath); err != nil {
			return err
		}
	}
	return nil
}

// close tears down the underlying ssh.Client, if one was dialed.
func (t *sshTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
