// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package ptm

import (
	"fmt"
)

// Result codes carried in the tpm_result field of a response.
const (
	ResultSuccess        uint32 = 0
	ResultBadParameter   uint32 = 3
	ResultFail           uint32 = 9
	ResultKeyNotFound    uint32 = 13
	ResultBadParamSize   uint32 = 25
	ResultEncryptError   uint32 = 32
	ResultDecryptError   uint32 = 33
	ResultBadKeyProperty uint32 = 40
	ResultBadMode        uint32 = 44
	ResultBadVersion     uint32 = 46
	ResultBadLocality    uint32 = 61
	ResultRCFailure      uint32 = 0x101
	ResultRCLocality     uint32 = 0x907
	ResultRCInsufficient uint32 = 0x9a
)

var resultStrings = map[uint32]string{
	ResultBadParameter:   "a parameter is bad",
	ResultFail:           "operation failed",
	ResultKeyNotFound:    "key could not be found",
	ResultBadParamSize:   "bad parameter size",
	ResultEncryptError:   "encryption error",
	ResultDecryptError:   "decryption error",
	ResultBadKeyProperty: "bad key property",
	ResultBadMode:        "bad (encryption) mode",
	ResultBadVersion:     "bad version identifier",
	ResultBadLocality:    "bad locality",
	ResultRCFailure:      "operation failed",
	ResultRCLocality:     "bad locality",
	ResultRCInsufficient: "insufficient amount of data",
}

// Strerror returns a human readable description of the supplied result
// code, or an empty string if the code is not known.
func Strerror(code uint32) string {
	return resultStrings[code]
}

// ResultError is returned when the emulator replies to a control command
// with a non-zero result code.
type ResultError struct {
	Command Command
	Code    uint32
}

func (e *ResultError) Error() string {
	s := fmt.Sprintf("TPM result for %s: %#x", e.Command, e.Code)
	if desc := Strerror(e.Code); desc != "" {
		s += " " + desc
	}
	return s
}

// CheckResult returns a *ResultError if code is not ResultSuccess.
func CheckResult(cmd Command, code uint32) error {
	if code == ResultSuccess {
		return nil
	}
	return &ResultError{Command: cmd, Code: code}
}
