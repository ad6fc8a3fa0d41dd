package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/blerec/internal/record"
	"github.com/srg/blerec/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(io.Discard)
	return logger
}

func sampleRecord(ts string) *record.Record {
	return &record.Record{
		Performance: record.PerformanceData{PerformerID: 1, PerformanceTime: "2024-01-01 00:00:00"},
		Records: []record.PerformanceRecord{{
			RecordID:  5,
			Timestamp: ts,
			BlobData:  record.BlobData{RawData: []string{"aaaa048002"}, FinalPackage: []string{"aaaa20"}},
		}},
	}
}

func TestHTTPDeliverer_PostsJSON(t *testing.T) {
	var got record.Record
	var path, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := NewHTTPDeliverer(HTTPOptions{BaseURL: srv.URL + "/base"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/base/"+DefaultPath, d.Endpoint())

	rec := sampleRecord("2024-01-01 00:00:01")
	require.NoError(t, d.Deliver(context.Background(), rec))
	assert.Equal(t, "/base/"+DefaultPath, path)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, *rec, got)
}

func TestHTTPDeliverer_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad performer", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	d, err := NewHTTPDeliverer(HTTPOptions{BaseURL: srv.URL, MaxFailures: 1}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err = d.Deliver(context.Background(), sampleRecord("2024-01-01 00:00:01"))
		assert.Equal(t, http.StatusUnprocessableEntity, Code(err))
		assert.Contains(t, err.Error(), "bad performer")
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState, "client rejections MUST NOT open the circuit")
	}
}

func TestHTTPDeliverer_CircuitOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d, err := NewHTTPDeliverer(HTTPOptions{BaseURL: srv.URL, MaxFailures: 2, OpenTimeout: time.Hour}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err := d.Deliver(context.Background(), sampleRecord("2024-01-01 00:00:01"))
		assert.Equal(t, http.StatusBadGateway, Code(err))
	}
	err = d.Deliver(context.Background(), sampleRecord("2024-01-01 00:00:01"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 2, hits.Load(), "open circuit MUST NOT reach the server")
}

func TestNewHTTPDeliverer_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative"} {
		_, err := NewHTTPDeliverer(HTTPOptions{BaseURL: u}, nil)
		assert.Error(t, err, "base URL %q", u)
	}
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	return args.Error(0)
}

func (m *mockPublisher) FlushWithContext(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockPublisher) Drain() error {
	return m.Called().Error(0)
}

func TestNATSDeliverer(t *testing.T) {
	pub := &mockPublisher{}
	var published []byte
	pub.On("Publish", DefaultSubject, mock.Anything).Return(nil).Once().Run(func(args mock.Arguments) {
		published = args.Get(1).([]byte)
	})
	pub.On("FlushWithContext", mock.Anything).Return(nil).Once()

	d := newNATSDeliverer(pub, "", testLogger())
	require.NoError(t, d.Deliver(context.Background(), sampleRecord("2024-01-01 00:00:01")))

	var got record.Record
	require.NoError(t, json.Unmarshal(published, &got))
	assert.Equal(t, 5, got.Records[0].RecordID)

	pub.On("Publish", DefaultSubject, mock.Anything).Return(errors.New("nats: connection closed")).Once()
	err := d.Deliver(context.Background(), sampleRecord("2024-01-01 00:00:02"))
	assert.ErrorContains(t, err, "publish blerec.records")

	pub.On("Publish", DefaultSubject, mock.Anything).Return(nil).Once()
	pub.On("FlushWithContext", mock.Anything).Return(context.Canceled).Once()
	assert.ErrorIs(t, d.Deliver(context.Background(), sampleRecord("2024-01-01 00:00:03")), context.Canceled)

	pub.On("Drain").Return(nil).Once()
	require.NoError(t, d.Close())
	pub.AssertExpectations(t)
}

func TestOutbox_AddPersistsAndDone(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	o := NewOutbox(8, st, testLogger())

	e, err := o.Add(sampleRecord("2024-01-01 00:00:01"))
	require.NoError(t, err)
	assert.NotEmpty(t, e.Name)
	assert.Equal(t, 1, o.Len())

	pending, err := st.List(store.PendingDir)
	require.NoError(t, err)
	assert.Equal(t, []string{e.Name}, pending)

	drained := o.Drain(0)
	require.Len(t, drained, 1)
	assert.Zero(t, o.Len())
	require.NoError(t, o.Done(drained[0]))

	pending, err = st.List(store.PendingDir)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.NoError(t, o.Done(drained[0]), "done on a removed snapshot MUST be a no-op")
}

func TestOutbox_OverflowDropsOldest(t *testing.T) {
	o := NewOutbox(4, nil, testLogger())

	const pushed = 64
	for i := 0; i < pushed; i++ {
		_, err := o.Add(sampleRecord("2024-01-01 00:00:01"))
		require.NoError(t, err)
	}

	assert.Positive(t, o.Dropped(), "overflow MUST be counted")
	assert.EqualValues(t, pushed, int64(o.Len())+o.Dropped())
	assert.Len(t, o.Drain(0), pushed-int(o.Dropped()))
}

func TestOutbox_Restore(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	first := NewOutbox(8, st, testLogger())
	_, err = first.Add(sampleRecord("2024-01-01 00:00:01"))
	require.NoError(t, err)
	_, err = first.Add(sampleRecord("2024-01-01 00:00:02"))
	require.NoError(t, err)

	second := NewOutbox(8, st, testLogger())
	n, err := second.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = second.Restore()
	require.NoError(t, err)
	assert.Zero(t, n, "restore MUST NOT queue the same snapshot twice")
	assert.Equal(t, 2, second.Len())
}

func TestResender_RunOnce(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	o := NewOutbox(8, st, testLogger())
	for _, ts := range []string{"2024-01-01 00:00:01", "2024-01-01 00:00:02", "2024-01-01 00:00:03"} {
		_, err := o.Add(sampleRecord(ts))
		require.NoError(t, err)
	}

	var delivered []string
	d := DelivererFunc(func(_ context.Context, rec *record.Record) error {
		if rec.Timestamp() == "2024-01-01 00:00:02" {
			return &StatusError{Code: http.StatusServiceUnavailable}
		}
		delivered = append(delivered, rec.Timestamp())
		return nil
	})

	r, err := NewResender(o, d, ResenderOptions{Rate: 1000, Burst: 3}, testLogger())
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Delivered: 2, Failed: 1, Remaining: 1}, res)
	assert.Equal(t, []string{"2024-01-01 00:00:01", "2024-01-01 00:00:03"}, delivered)

	left := o.Drain(0)
	require.Len(t, left, 1)
	assert.Equal(t, 1, left[0].Attempts)
	pending, err := st.List(store.PendingDir)
	require.NoError(t, err)
	assert.Equal(t, []string{left[0].Name}, pending, "only the failed snapshot MUST remain pending")
}

func TestResender_StopsOnOpenCircuit(t *testing.T) {
	o := NewOutbox(8, nil, testLogger())
	for i := 0; i < 3; i++ {
		_, err := o.Add(sampleRecord("2024-01-01 00:00:01"))
		require.NoError(t, err)
	}

	calls := 0
	d := DelivererFunc(func(context.Context, *record.Record) error {
		calls++
		return gobreaker.ErrOpenState
	})
	r, err := NewResender(o, d, ResenderOptions{}, testLogger())
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, 3, o.Len(), "every entry MUST be requeued")
}

func TestResender_Schedule(t *testing.T) {
	_, err := NewResender(NewOutbox(1, nil, nil), Discard, ResenderOptions{Schedule: "whenever"}, nil)
	assert.Error(t, err)

	o := NewOutbox(8, nil, testLogger())
	_, err = o.Add(sampleRecord("2024-01-01 00:00:01"))
	require.NoError(t, err)

	var calls atomic.Int32
	d := DelivererFunc(func(context.Context, *record.Record) error {
		calls.Add(1)
		return nil
	})
	r, err := NewResender(o, d, ResenderOptions{Schedule: "@every 1s"}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx), "second start MUST fail")

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	r.Stop()
	assert.Zero(t, o.Len())
}
