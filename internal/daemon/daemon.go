//go:build linux

/*
 * RemoteHub
 *
 * Daemonization
 */

// Package daemon backgrounds a RemoteHub binary by re-executing itself
// with stdout/stderr captured during startup, grounded on ipp-usb's
// daemon.go.
package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"unicode"
)

// #include <unistd.h>
import "C"

// CloseStdInOutErr redirects stdin/stdout/stderr to /dev/null.
func CloseStdInOutErr() error {
	nul, err := syscall.Open(os.DevNull, syscall.O_RDONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}
	defer syscall.Close(nul)

	// syscall.Dup2 is missing on some old ARM64 toolchains; C.dup2
	// is the portable fallback.
	C.dup2(C.int(nul), 0)
	C.dup2(C.int(nul), 1)
	C.dup2(C.int(nul), 2)

	return nil
}

// Run re-execs the current binary in the background, stripping bgFlag
// from its arguments, and waits for its startup output to decide
// whether initialization succeeded.
func Run(executable, bgFlag string) error {
	rstdout, wstdout, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	rstderr, wstderr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}

	attr := &os.ProcAttr{
		Files: []*os.File{devnull, wstdout, wstderr},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	args := []string{}
	for _, arg := range os.Args {
		if arg != bgFlag {
			args = append(args, arg)
		}
	}

	proc, err := os.StartProcess(executable, args, attr)
	if err != nil {
		return err
	}

	wstdout.Close()
	wstderr.Close()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	io.Copy(stdout, rstdout)
	io.Copy(stderr, rstderr)

	if stdout.Len() != 0 {
		os.Stdout.Write(stdout.Bytes())
	}

	if stderr.Len() > 0 {
		s := strings.TrimFunc(stderr.String(), unicode.IsSpace)
		proc.Kill()
		return errors.New(s)
	}

	proc.Release()
	return nil
}
