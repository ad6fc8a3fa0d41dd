//go:build test

package scanner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blerec/internal/device"
	"github.com/srg/blerec/internal/scanner"
	"github.com/srg/blerec/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type ScannerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	events chan device.Event
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.events = make(chan device.Event, 64)
}

func (suite *ScannerTestSuite) sink(ev device.Event) {
	suite.events <- ev
}

func (suite *ScannerTestSuite) advertisements() []device.Advertisement {
	return []device.Advertisement{
		testutils.CreateMockAdvertisement("Other", "11:22:33:44:55:66", -67),
		testutils.NewAdvertisementBuilder().WithAddress("99:88:77:66:55:44").WithRSSI(-80).Build(), // unnamed
		testutils.CreateMockAdvertisement("Other", "11:22:33:44:55:66", -60),                      // duplicate
		testutils.CreateMockAdvertisement("D1", "AA:BB:CC:DD:EE:FF", -45),
		testutils.CreateMockAdvertisement("D2", "01:02:03:04:05:06", -50),
	}
}

func (suite *ScannerTestSuite) TestScan_TargetByName() {
	// GOAL: Verify the first device matching the target filter is handed off once and scanning stops
	//
	// TEST SCENARIO: advertise Other, unnamed, duplicate, D1, D2 → two discoveries, D1 flagged target → scan stopped

	adapter := testutils.NewFakeAdapter(suite.advertisements()...)
	s := scanner.New(adapter, suite.helper.Logger)

	suite.Require().NoError(s.Start(context.Background(), scanner.Filter{Name: "D1"}, suite.sink))

	first := testutils.Receive(suite.T(), suite.events, "first scan result")
	suite.Equal(device.EventScanResult, first.Kind)
	suite.Equal("Other", first.Device.Name)
	suite.False(first.Target)
	suite.Len(first.Devices, 1)

	second := testutils.Receive(suite.T(), suite.events, "target scan result")
	suite.True(second.Target, "matching device MUST be flagged as target")
	suite.Equal("AA:BB:CC:DD:EE:FF", second.Device.ID)
	suite.Len(second.Devices, 2, "unnamed and duplicate devices MUST NOT enter the discovered-set")

	suite.Eventually(func() bool { return !s.Scanning() }, time.Second, 5*time.Millisecond, "scan MUST stop after the target is found")
	suite.Zero(adapter.ActiveScans())

	select {
	case ev := <-suite.events:
		suite.Failf("unexpected event", "scan MUST NOT report devices after hand-off: %+v", ev)
	default:
	}
}

func (suite *ScannerTestSuite) TestScan_TargetByAddressIsCaseInsensitive() {
	adapter := testutils.NewFakeAdapter(suite.advertisements()...)
	s := scanner.New(adapter, suite.helper.Logger)

	suite.Require().NoError(s.Start(context.Background(), scanner.Filter{Address: "01:02:03:04:05:06"}, suite.sink))

	events := testutils.ReceiveUntil(suite.T(), suite.events, "target", func(ev device.Event) bool { return ev.Target })
	suite.Equal("D2", events[len(events)-1].Device.Name)
}

func (suite *ScannerTestSuite) TestScan_UntargetedKeepsScanningUntilStopped() {
	adapter := testutils.NewFakeAdapter(suite.advertisements()...)
	s := scanner.New(adapter, suite.helper.Logger)

	suite.Require().NoError(s.Start(context.Background(), scanner.Filter{}, suite.sink))
	testutils.ReceiveUntil(suite.T(), suite.events, "three devices", func(ev device.Event) bool { return len(ev.Devices) == 3 })

	suite.True(s.Scanning())
	suite.ErrorIs(s.Start(context.Background(), scanner.Filter{}, suite.sink), scanner.ErrScanning)

	s.Stop()
	s.Stop()
	suite.False(s.Scanning())
	suite.Zero(adapter.ActiveScans())

	names := make([]string, 0, 3)
	for _, d := range s.Devices() {
		names = append(names, d.Name)
	}
	suite.Equal([]string{"Other", "D1", "D2"}, names, "discovered-set MUST keep discovery order")
}

func (suite *ScannerTestSuite) TestScan_RestartClearsDiscoveredSet() {
	adapter := testutils.NewFakeAdapter(suite.advertisements()...)
	s := scanner.New(adapter, suite.helper.Logger)

	suite.Require().NoError(s.Start(context.Background(), scanner.Filter{Name: "D1"}, suite.sink))
	testutils.ReceiveUntil(suite.T(), suite.events, "target", func(ev device.Event) bool { return ev.Target })
	s.Stop()

	suite.Require().NoError(s.Start(context.Background(), scanner.Filter{Name: "D1"}, suite.sink))
	first := testutils.Receive(suite.T(), suite.events, "first result after restart")
	suite.Len(first.Devices, 1, "restart MUST clear previously discovered devices")
	s.Stop()
	suite.Equal(2, adapter.Scans())
}

func (suite *ScannerTestSuite) TestScan_FailureIsReported() {
	adapter := testutils.NewFakeAdapter().WithScanError(device.ErrBluetoothOff)
	s := scanner.New(adapter, suite.helper.Logger)

	suite.Require().NoError(s.Start(context.Background(), scanner.Filter{Name: "D1"}, suite.sink))

	ev := testutils.Receive(suite.T(), suite.events, "scan failure")
	suite.Equal(device.EventScanFailed, ev.Kind)
	suite.True(errors.Is(ev.Err, device.ErrBluetoothOff))
}

func (suite *ScannerTestSuite) TestStop_WithoutStartIsNoop() {
	s := scanner.New(testutils.NewFakeAdapter(), nil)
	suite.NotPanics(s.Stop)
	suite.False(s.Scanning())
	suite.Empty(s.Devices())
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}

func TestFilter(t *testing.T) {
	d1 := device.Device{ID: "AA:BB", Name: "D1"}

	assert.False(t, scanner.Filter{}.Targeted())
	assert.False(t, scanner.Filter{}.Matches(d1), "empty filter MUST NOT select a target")
	assert.True(t, scanner.Filter{Name: "D1"}.Matches(d1))
	assert.True(t, scanner.Filter{Address: "aa:bb"}.Matches(d1))
	assert.False(t, scanner.Filter{Name: "D1", Address: "CC:DD"}.Matches(d1), "both criteria MUST match when set")
	assert.Equal(t, "D1 (AA:BB)", scanner.Filter{Name: "D1", Address: "AA:BB"}.String())
	assert.Equal(t, "<any>", scanner.Filter{}.String())
}
