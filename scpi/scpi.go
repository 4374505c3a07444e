// Package scpi provides the SCPI command/query primitives the bench
// oscilloscope driver (scope/bench) speaks over a pooled comm.Pool
// connection, the same command/response shape the teacher's SCPI-speaking
// instruments use.
package scpi

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.jpl.nasa.gov/bdube/scopesync/comm"
)

const (
	timeout = 5 * time.Second

	tcpFrameSize = 1500
)

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap = comm.NewTimeout(wrap, timeout)
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return err
	}
	if s.Handshaking {
		buf := make([]byte, tcpFrameSize)
		n, err := wrap.Read(buf)
		if err != nil {
			return err
		}
		str := string(buf[:n])
		if str[0:2] != "+0" {
			return fmt.Errorf(str)
		}
		return nil
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap = comm.NewTimeout(wrap, timeout)
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return resp, err
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return resp, err
	}
	resp = buf[:n]
	if s.Handshaking {
		pieces := bytes.Split(resp, []byte{';'})
		errS := string(pieces[len(pieces)-1])
		if errS[:2] != "+0" {
			return resp, fmt.Errorf(errS)
		}
		return bytes.Join(pieces[:len(pieces)-1], []byte{}), nil
	}
	return resp, err
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err == nil {
		if resp[len(resp)-1] == '\n' {
			resp = resp[:len(resp)-1]
		}
		if resp[len(resp)-1] == '\r' {
			resp = resp[:len(resp)-1]
		}
	}
	return string(resp), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(resp)
}
