// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package emulator

import (
	"encoding/binary"
	"io"

	"github.com/canonical/go-tpmbackend"
	"github.com/canonical/go-tpmbackend/ptm"
)

func (e *Emulator) ctrlCmd(cmd ptm.Command, req, rsp interface{}, errLen int) error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	return e.ctrlCmdLocked(cmd, req, rsp, errLen, nil)
}

// ctrlCmdLocked sends a control command with the optional request payload
// req and any file descriptors in fds, and decodes the response into rsp.
// If errLen is smaller than the size of rsp, only the first errLen bytes
// are read when the leading result code indicates an error, which is how
// the emulator replies to some commands. The remaining fields of rsp are
// zero in that case. No response is read if rsp is nil. The caller must
// hold ctrlMu.
func (e *Emulator) ctrlCmdLocked(cmd ptm.Command, req, rsp interface{}, errLen int, fds []int) (err error) {
	defer func() {
		tpmbackend.ObserveControlCommand(cmd.String(), err)
		if err != nil {
			err = &ControlError{Command: cmd, err: err}
		}
	}()

	b, err := ptm.MarshalCommand(cmd, req)
	if err != nil {
		return err
	}
	if len(fds) > 0 {
		err = e.ctrl.WriteWithFDs(b, fds)
	} else {
		_, err = e.ctrl.Write(b)
	}
	if err != nil {
		return err
	}

	if rsp == nil {
		return nil
	}
	return e.readResponseLocked(rsp, errLen)
}

func (e *Emulator) readResponseLocked(rsp interface{}, errLen int) error {
	total := ptm.Size(rsp)
	if errLen <= 0 || errLen > total {
		errLen = total
	}

	buf := make([]byte, total)
	if _, err := io.ReadFull(e.ctrl, buf[:errLen]); err != nil {
		return err
	}
	if errLen < total && binary.BigEndian.Uint32(buf) == ptm.ResultSuccess {
		if _, err := io.ReadFull(e.ctrl, buf[errLen:]); err != nil {
			return err
		}
	}
	return ptm.Unmarshal(buf, rsp)
}
