// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend_test

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tpmbackend"
)

type metricsSuite struct{}

var _ = Suite(&metricsSuite{})

func (s *metricsSuite) TestObserveControlCommand(c *C) {
	ok := ControlCommandsTotal.WithLabelValues("TEST_CMD", ResultOK)
	failed := ControlCommandsTotal.WithLabelValues("TEST_CMD", ResultError)
	okBefore := promtestutil.ToFloat64(ok)
	failedBefore := promtestutil.ToFloat64(failed)

	ObserveControlCommand("TEST_CMD", nil)
	ObserveControlCommand("TEST_CMD", nil)
	ObserveControlCommand("TEST_CMD", errors.New("some error"))

	c.Check(promtestutil.ToFloat64(ok), Equals, okBefore+2)
	c.Check(promtestutil.ToFloat64(failed), Equals, failedBefore+1)
}

func (s *metricsSuite) TestLint(c *C) {
	for _, collector := range []prometheus.Collector{RequestsTotal, RequestDuration, ControlCommandsTotal} {
		problems, err := promtestutil.CollectAndLint(collector)
		c.Check(err, IsNil)
		c.Check(problems, HasLen, 0)
	}
}
