// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const sshDialTimeout = 10 * time.Second

// sshProcess is a login shell reached through the local sshd.
type sshProcess struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	waitOnce sync.Once
	status   ExitStatus
}

// sshDialer opens shells for other OS accounts.
type sshDialer struct {
	address        string
	serviceKeyPath string
	knownHostsPath string

	once      sync.Once
	signer    ssh.Signer
	hostKeys  ssh.HostKeyCallback
	loadError error
}

func (d *sshDialer) load() error {
	d.once.Do(func() {
		keyData, err := os.ReadFile(d.serviceKeyPath)
		if err != nil {
			d.loadError = fmt.Errorf("reading service key: %w", err)
			return
		}
		d.signer, err = ssh.ParsePrivateKey(keyData)
		if err != nil {
			d.loadError = fmt.Errorf("parsing service key %s: %w", d.serviceKeyPath, err)
			return
		}
		if d.knownHostsPath != "" {
			d.hostKeys, err = knownhosts.New(d.knownHostsPath)
			if err != nil {
				d.loadError = fmt.Errorf("loading known hosts: %w", err)
			}
			return
		}
		host, _, err := net.SplitHostPort(d.address)
		if err != nil {
			d.loadError = fmt.Errorf("ssh address: %w", err)
			return
		}
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			d.loadError = fmt.Errorf("ssh address %s is not loopback; launcher.known_hosts is required", d.address)
			return
		}
		d.hostKeys = ssh.InsecureIgnoreHostKey()
	})
	return d.loadError
}

func (d *sshDialer) start(ctx context.Context, osUser string, cols, rows uint16) (*sshProcess, error) {
	if err := d.load(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return nil, fmt.Errorf("connecting to sshd: %w", err)
	}
	clientConn, channels, requests, err := ssh.NewClientConn(conn, d.address, &ssh.ClientConfig{
		User:            osUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		HostKeyCallback: d.hostKeys,
		Timeout:         sshDialTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake as %s: %w", osUser, err)
	}
	client := ssh.NewClient(clientConn, channels, requests)

	process, err := openShell(client, cols, rows)
	if err != nil {
		client.Close()
		return nil, err
	}
	return process, nil
}

func openShell(client *ssh.Client, cols, rows uint16) (*sshProcess, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening ssh session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("starting remote shell: %w", err)
	}
	return &sshProcess{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

func (p *sshProcess) Read(buffer []byte) (int, error) {
	return p.stdout.Read(buffer)
}

func (p *sshProcess) Write(data []byte) (int, error) {
	return p.stdin.Write(data)
}

func (p *sshProcess) Resize(cols, rows uint16) error {
	return p.session.WindowChange(int(rows), int(cols))
}

func (p *sshProcess) Wait() ExitStatus {
	p.waitOnce.Do(func() {
		p.status = sshExitStatus(p.session.Wait())
	})
	return p.status
}

func sshExitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitError *ssh.ExitError
	if errors.As(err, &exitError) {
		status := ExitStatus{Code: exitError.ExitStatus()}
		if signal := exitError.Signal(); signal != "" {
			status.Reason = "SIG" + signal
		}
		return status
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return ExitStatus{Code: -1, Reason: "ssh connection lost"}
	}
	return ExitStatus{Code: -1, Reason: err.Error()}
}

func (p *sshProcess) Kill() error {
	// Closing the connection makes sshd hang up the shell even if the
	// server ignores signal requests.
	p.session.Signal(ssh.SIGHUP)
	return p.client.Close()
}

func (p *sshProcess) Close() error {
	p.session.Close()
	return p.client.Close()
}
