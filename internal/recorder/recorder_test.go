//go:build test

package recorder_test

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/srg/blerec/internal/delivery"
	"github.com/srg/blerec/internal/device"
	"github.com/srg/blerec/internal/eventbus"
	"github.com/srg/blerec/internal/framer"
	"github.com/srg/blerec/internal/record"
	"github.com/srg/blerec/internal/recorder"
	"github.com/srg/blerec/internal/scanner"
	"github.com/srg/blerec/internal/session"
	"github.com/srg/blerec/internal/store"
	"github.com/srg/blerec/internal/stream"
	"github.com/srg/blerec/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	smallFrame = "aaaa0480020102030405"
	largeFrame = "aaaa20ffeeddccbbaa99"
)

type RecorderTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	bus    *eventbus.Bus[session.Event]
	events *eventbus.Subscription[session.Event]
	store  *store.FileStore
}

func (suite *RecorderTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.bus = eventbus.New[session.Event](512, suite.helper.Logger)
	suite.events = suite.bus.Subscribe()

	st, err := store.NewFileStore(suite.T().TempDir(), suite.helper.Logger)
	suite.Require().NoError(err)
	suite.store = st
}

func (suite *RecorderTestSuite) TearDownTest() {
	suite.bus.Close()
}

func (suite *RecorderTestSuite) chunk(s string) []byte {
	b, err := hex.DecodeString(s)
	suite.Require().NoError(err)
	return b
}

func (suite *RecorderTestSuite) sampleOptions() framer.SampleOptions {
	return framer.SampleOptions{
		Windows:        1,
		WindowDuration: time.Second,
		PollInterval:   time.Millisecond,
		SmallQuota:     1,
		LargeQuota:     1,
	}
}

type recorded struct {
	rec *record.Record
	err error
}

func (suite *RecorderTestSuite) recordAsync(r *recorder.Recorder, collector *framer.Collector) <-chan recorded {
	out := make(chan recorded, 1)
	go func() {
		rec, err := r.RecordOnce(context.Background())
		out <- recorded{rec, err}
	}()
	suite.Require().Eventually(collector.WindowOpen, time.Second, time.Millisecond, "sampling window MUST open")
	return out
}

func (suite *RecorderTestSuite) TestEndToEnd_OneRecordFromThreeChunks() {
	// GOAL: Verify the whole pipeline from scan to a delivered record
	//
	// TEST SCENARIO: scan "D1" → connect → services → MTU → notify → 3 chunks (1 small + 1 large frame)
	// → exactly one record carrying both frames, the sample timestamp and the caller-supplied record id

	var deliveredRecs []*record.Record
	deliverer := delivery.DelivererFunc(func(_ context.Context, rec *record.Record) error {
		deliveredRecs = append(deliveredRecs, rec)
		return nil
	})

	collector := framer.NewCollector(0, suite.helper.Logger)
	started := time.Now()
	assembler := record.NewAssembler(record.Metadata{PerformerID: 11, Location: "studio", RecordID: 77},
		record.StaticLocation{Latitude: 1.5}, started)

	var controller *session.Controller
	rec := recorder.New(recorder.Config{
		Collector: collector,
		Assembler: assembler,
		Store:     suite.store,
		Deliverer: deliverer,
		Publisher: recorder.PublisherFunc(func(ev session.Event) { controller.Publish(ev) }),
		Sample:    suite.sampleOptions(),
	}, suite.helper.Logger)

	adapter := testutils.NewFakeAdapter(
		testutils.CreateMockAdvertisement("Other", "11:22:33:44:55:66", -70),
		testutils.CreateMockAdvertisement("D1", "AA:BB:CC:DD:EE:FF", -40),
	)
	controller = session.New(adapter, suite.bus, session.Options{
		Filter:   scanner.Filter{Name: "D1"},
		Handlers: []stream.Handler{rec.Handler()},
	}, suite.helper.Logger)
	defer controller.Close()

	suite.Require().NoError(controller.StartReceiving(context.Background()))
	testutils.ReceiveUntil(suite.T(), suite.events.C(), "connected", func(ev session.Event) bool {
		return ev.Kind == session.KindSuccess && ev.State == device.Connected
	})

	result := suite.recordAsync(rec, collector)

	gatt := adapter.LastGATT()
	gatt.Notify(suite.chunk(smallFrame))
	gatt.Notify(suite.chunk(largeFrame))
	gatt.Notify(suite.chunk(framer.Marker))

	got := testutils.Receive(suite.T(), result, "record")
	suite.Require().NoError(got.err)

	suite.Require().Len(got.rec.Records, 1)
	r := got.rec.Records[0]
	suite.Equal([]string{smallFrame}, r.BlobData.RawData)
	suite.Equal([]string{largeFrame}, r.BlobData.FinalPackage)
	suite.Equal(77, r.RecordID, "record id MUST be the caller-supplied one")
	suite.Equal(1.5, r.GPSLatitude)
	suite.Equal(started.Format(record.TimeLayout), got.rec.Performance.PerformanceTime)
	suite.NoError(got.rec.Validate())

	ts, err := time.ParseInLocation(record.TimeLayout, r.Timestamp, time.Local)
	suite.Require().NoError(err)
	suite.WithinDuration(time.Now(), ts, 5*time.Second, "timestamp MUST be the sampling start")

	suite.Require().Len(deliveredRecs, 1)
	suite.Same(got.rec, deliveredRecs[0])

	saved, err := suite.store.Load(store.SnapshotName(got.rec))
	suite.Require().NoError(err)
	suite.Equal(got.rec, saved)

	ready := testutils.ReceiveUntil(suite.T(), suite.events.C(), "record ready", func(ev session.Event) bool {
		return ev.Record != nil
	})
	last := ready[len(ready)-1]
	suite.Same(got.rec, last.Record)
	suite.Equal("D1", last.DeviceName)
	suite.Equal(controller.SessionID(), last.SessionID)

	suite.EqualValues(1, rec.Stats().Recorded)
	suite.EqualValues(1, rec.Stats().Delivered)
	suite.Zero(collector.Stats().OutsideWindow)
}

func (suite *RecorderTestSuite) TestRecordOnce_FailedDeliveryIsQueued() {
	collector := framer.NewCollector(0, suite.helper.Logger)
	outbox := delivery.NewOutbox(8, suite.store, suite.helper.Logger)
	rec := recorder.New(recorder.Config{
		Collector: collector,
		Assembler: record.NewAssembler(record.Metadata{PerformerID: 1}, nil, time.Now()),
		Store:     suite.store,
		Deliverer: delivery.DelivererFunc(func(context.Context, *record.Record) error {
			return &delivery.StatusError{Code: 503}
		}),
		Outbox: outbox,
		Sample: suite.sampleOptions(),
	}, suite.helper.Logger)

	result := suite.recordAsync(rec, collector)
	suite.Require().NoError(collector.Consume(suite.chunk(smallFrame + largeFrame + framer.Marker)))

	got := testutils.Receive(suite.T(), result, "record")
	suite.Require().NoError(got.err)
	suite.Equal(1, outbox.Len())
	suite.EqualValues(1, rec.Stats().Queued)
	suite.Zero(rec.Stats().Delivered)

	pending, err := suite.store.List(store.PendingDir)
	suite.Require().NoError(err)
	suite.Len(pending, 1)
}

func (suite *RecorderTestSuite) TestRecordOnce_EmptySample() {
	collector := framer.NewCollector(0, suite.helper.Logger)
	opts := suite.sampleOptions()
	opts.WindowDuration = 20 * time.Millisecond
	rec := recorder.New(recorder.Config{
		Collector: collector,
		Assembler: record.NewAssembler(record.Metadata{PerformerID: 1}, nil, time.Now()),
		Sample:    opts,
	}, suite.helper.Logger)

	_, err := rec.RecordOnce(context.Background())
	suite.ErrorIs(err, recorder.ErrNoData)
	suite.EqualValues(1, rec.Stats().Empty)
	suite.Zero(rec.Stats().Recorded)
}

func (suite *RecorderTestSuite) TestRun_StopsAfterRecords() {
	collector := framer.NewCollector(0, suite.helper.Logger)
	rec := recorder.New(recorder.Config{
		Collector: collector,
		Assembler: record.NewAssembler(record.Metadata{PerformerID: 1}, nil, time.Now()),
		Sample:    suite.sampleOptions(),
		Records:   2,
	}, suite.helper.Logger)

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		suite.Require().Eventually(collector.WindowOpen, time.Second, time.Millisecond)
		suite.Require().NoError(collector.Consume(suite.chunk(smallFrame + largeFrame + framer.Marker)))
		suite.Require().Eventually(func() bool { return rec.Stats().Recorded == int64(i+1) }, time.Second, time.Millisecond)
	}

	suite.NoError(testutils.Receive(suite.T(), done, "run exit"))
}

func (suite *RecorderTestSuite) TestRun_CancelledIsClean() {
	collector := framer.NewCollector(0, suite.helper.Logger)
	rec := recorder.New(recorder.Config{
		Collector: collector,
		Assembler: record.NewAssembler(record.Metadata{PerformerID: 1}, nil, time.Now()),
		Sample:    suite.sampleOptions(),
	}, suite.helper.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	suite.Require().Eventually(collector.WindowOpen, time.Second, time.Millisecond)
	cancel()

	suite.NoError(testutils.Receive(suite.T(), done, "run exit"))
}

func (suite *RecorderTestSuite) TestHandler_ReportsOverflow() {
	collector := framer.NewCollector(8, suite.helper.Logger)
	rec := recorder.New(recorder.Config{Collector: collector}, suite.helper.Logger)

	err := rec.Handler()(stream.Chunk{Seq: 4, Data: suite.chunk(smallFrame)})
	suite.ErrorIs(err, framer.ErrOverflow)
	suite.Contains(err.Error(), "chunk 4")
	suite.False(errors.Is(err, recorder.ErrNoData))
}

func (suite *RecorderTestSuite) TestHandler_NewSubscriptionDropsPartialFrame() {
	// GOAL: Verify a frame cut short by a lost link is never joined with bytes from the next link
	//
	// TEST SCENARIO: partial small frame on subscription 1 → link re-established → full small frame
	// plus marker on subscription 2 → the record holds only the complete frame

	collector := framer.NewCollector(0, suite.helper.Logger)
	opts := suite.sampleOptions()
	opts.SmallQuota = 2
	opts.LargeQuota = 0
	opts.WindowDuration = 100 * time.Millisecond
	rec := recorder.New(recorder.Config{
		Collector: collector,
		Assembler: record.NewAssembler(record.Metadata{PerformerID: 1}, nil, time.Now()),
		Sample:    opts,
	}, suite.helper.Logger)
	handle := rec.Handler()

	result := suite.recordAsync(rec, collector)
	suite.Require().NoError(handle(stream.Chunk{Seq: 1, Subscription: 1, Data: suite.chunk("aaaa04800211")}))
	suite.Require().NoError(handle(stream.Chunk{Seq: 2, Subscription: 2, Data: suite.chunk("aaaa0480022222" + framer.Marker)}))

	out := testutils.Receive(suite.T(), result, "record")
	suite.Require().NoError(out.err)
	suite.Equal([]string{"aaaa0480022222"}, out.rec.Records[0].BlobData.RawData,
		"the truncated frame of the lost link MUST NOT be emitted")
	suite.EqualValues(1, collector.Stats().Small)
	suite.Equal(len(framer.Marker), collector.Pending())
}

func TestRecorderTestSuite(t *testing.T) {
	suite.Run(t, new(RecorderTestSuite))
}
