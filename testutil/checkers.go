// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"bytes"
	"fmt"

	"golang.org/x/xerrors"

	. "gopkg.in/check.v1"

	"github.com/canonical/go-tpmbackend"
)

type isTrueChecker struct {
	*CheckerInfo
}

// IsTrue determines whether a boolean value is true.
var IsTrue Checker = &isTrueChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"value"}}}

func (checker *isTrueChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value, ok := params[0].(bool)
	if !ok {
		return false, names[0] + " is not a bool"
	}
	return value, ""
}

type isFalseChecker struct {
	*CheckerInfo
}

// IsFalse determines whether a boolean value is false.
var IsFalse Checker = &isFalseChecker{
	&CheckerInfo{Name: "IsFalse", Params: []string{"value"}}}

func (checker *isFalseChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value, ok := params[0].(bool)
	if !ok {
		return false, names[0] + " is not a bool"
	}
	return !value, ""
}

type errorIsChecker struct {
	*CheckerInfo
}

// ErrorIs determines whether any error in a chain has a specific
// value, using xerrors.Is
//
// For example:
//
//  c.Check(err, ErrorIs, io.EOF)
//
var ErrorIs Checker = &errorIsChecker{
	&CheckerInfo{Name: "ErrorIs", Params: []string{"value", "expected"}}}

func (checker *errorIsChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}

	expected, ok := params[1].(error)
	if !ok {
		return false, "expected is not an error"
	}

	return xerrors.Is(err, expected), ""
}

type errorAsChecker struct {
	*CheckerInfo
}

// ErrorAs determines whether any error in a chain has a specific
// type, using xerrors.As.
//
// For example:
//
//  var e *ptm.ResultError
//  c.Check(err, ErrorAs, &e)
//  c.Check(e.Code, Equals, ptm.ResultFail)
//
var ErrorAs Checker = &errorAsChecker{
	&CheckerInfo{Name: "ErrorAs", Params: []string{"value", "target"}}}

func (checker *errorAsChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}

	return xerrors.As(err, params[1]), ""
}

// FatalResponse is the response synthesized by a backend when a command
// cannot be completed.
var FatalResponse = []byte{0x00, 0xc4, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x09}

type isFatalResponseChecker struct {
	*CheckerInfo
}

// IsFatalResponse determines whether a byte slice starts with the
// synthesized TPM_FAIL response.
//
// For example:
//
//  c.Check(cmd.Out, IsFatalResponse)
//
var IsFatalResponse Checker = &isFatalResponseChecker{
	&CheckerInfo{Name: "IsFatalResponse", Params: []string{"value"}}}

func (checker *isFatalResponseChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	b, ok := params[0].([]byte)
	if !ok {
		return false, names[0] + " is not a []byte"
	}
	if len(b) < tpmbackend.HeaderSize {
		return false, fmt.Sprintf("%s is too short (%d bytes)", names[0], len(b))
	}
	return bytes.Equal(b[:tpmbackend.HeaderSize], FatalResponse), ""
}
