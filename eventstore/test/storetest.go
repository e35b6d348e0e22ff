// Package test exports a conformance suite that every storage backend runs
// against its own setup.
package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/eventstore"
)

// Backend is the full storage surface a backend has to provide.
type Backend interface {
	eventstore.Store
	eventstore.SnapshotStore
	cqrs.CheckpointStore
}

func workflowCreated(streamID uuid.UUID) *events.Event {
	return events.NewEvent(streamID, &events.WorkflowCreatedAttributes{
		WorkflowID: streamID,
		Name:       "Quantum error correction survey",
		Query:      "state of the art in surface codes",
		Methodology: events.ResearchMethodology{
			Name:                     "systematic",
			Steps:                    []string{"collect", "rank", "summarize"},
			AIAgents:                 []string{"summarizer"},
			EstimatedDurationMinutes: 30,
		},
		CreatedAt: time.Now().UTC(),
	})
}

func executionStarted(streamID uuid.UUID) *events.Event {
	return events.NewEvent(streamID, &events.ExecutionStartedAttributes{
		WorkflowID: streamID,
		StartedAt:  time.Now().UTC(),
	})
}

func taskCreated(streamID uuid.UUID) *events.Event {
	return events.NewEvent(streamID, &events.TaskCreatedAttributes{
		WorkflowID: streamID,
		TaskID:     uuid.New(),
		TaskType:   "web_search",
		CreatedAt:  time.Now().UTC(),
	})
}

func requireSameEvent(t *testing.T, want, got *events.Event) {
	t.Helper()

	require.Equal(t, want.Metadata.EventID, got.Metadata.EventID)
	require.Equal(t, want.Metadata.StreamID, got.Metadata.StreamID)
	require.Equal(t, want.Metadata.EventType, got.Metadata.EventType)
	require.Equal(t, want.Metadata.EventVersion, got.Metadata.EventVersion)
	require.Equal(t, want.Metadata.SequenceNumber, got.Metadata.SequenceNumber)
	require.True(t, want.Metadata.Timestamp.Equal(got.Metadata.Timestamp),
		"timestamp mismatch: %v != %v", want.Metadata.Timestamp, got.Metadata.Timestamp)
	require.Equal(t, want.Attributes, got.Attributes)
}

// StoreTest runs the storage conformance suite. setup must return an empty
// backend; teardown, when non-nil, is called after each subtest.
func StoreTest(t *testing.T, setup func() Backend, teardown func(b Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b Backend)
	}{
		{
			name: "GetStreamVersion_ZeroForMissingStream",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				version, err := b.GetStreamVersion(ctx, uuid.New())
				require.NoError(t, err)
				require.Equal(t, int64(0), version)
			},
		},
		{
			name: "ReadEvents_EmptyForMissingStream",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				evts, err := b.ReadEvents(ctx, uuid.New(), 0, 0)
				require.NoError(t, err)
				require.Empty(t, evts)
			},
		},
		{
			name: "AppendEvents_AssignsSequenceNumbersFromOne",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				evts := []*events.Event{workflowCreated(streamID), executionStarted(streamID), taskCreated(streamID)}

				version, err := b.AppendEvents(ctx, streamID, nil, evts)
				require.NoError(t, err)
				require.Equal(t, int64(3), version)

				for i, event := range evts {
					require.Equal(t, int64(i+1), event.Metadata.SequenceNumber)
				}
			},
		},
		{
			name: "AppendEvents_RoundTripsEvents",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				correlationID := uuid.New()
				created := events.NewEvent(streamID, &events.WorkflowCreatedAttributes{
					WorkflowID: streamID,
					Name:       "LLM eval harness research",
					Query:      "benchmark design for agentic tasks",
					Methodology: events.ResearchMethodology{
						Name:                     "exploratory",
						Steps:                    []string{"survey"},
						AIAgents:                 []string{"planner", "critic"},
						EstimatedDurationMinutes: 90,
					},
					CreatedAt: time.Now().UTC(),
				}, events.WithCorrelationID(correlationID))
				started := events.NewEvent(streamID, &events.ExecutionStartedAttributes{
					WorkflowID: streamID,
					StartedAt:  time.Now().UTC(),
				}, events.WithCorrelationID(correlationID), events.WithCausationID(created.Metadata.EventID))

				_, err := b.AppendEvents(ctx, streamID, nil, []*events.Event{created, started})
				require.NoError(t, err)

				got, err := b.ReadEvents(ctx, streamID, 0, 0)
				require.NoError(t, err)
				require.Len(t, got, 2)

				requireSameEvent(t, created, got[0])
				requireSameEvent(t, started, got[1])

				require.NotNil(t, got[1].CorrelationID())
				require.Equal(t, correlationID, *got[1].CorrelationID())
				require.NotNil(t, got[1].CausationID())
				require.Equal(t, created.Metadata.EventID, *got[1].CausationID())
			},
		},
		{
			name: "AppendEvents_EmptyAppendKeepsVersion",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				_, err := b.AppendEvents(ctx, streamID, nil, []*events.Event{workflowCreated(streamID)})
				require.NoError(t, err)

				expected := int64(1)
				version, err := b.AppendEvents(ctx, streamID, &expected, nil)
				require.NoError(t, err)
				require.Equal(t, int64(1), version)
			},
		},
		{
			name: "AppendEvents_ChecksExpectedVersionPerAppend",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()

				zero := int64(0)
				version, err := b.AppendEvents(ctx, streamID, &zero, []*events.Event{workflowCreated(streamID)})
				require.NoError(t, err)
				require.Equal(t, int64(1), version)

				_, err = b.AppendEvents(ctx, streamID, &zero, []*events.Event{executionStarted(streamID)})
				var concurrencyErr *eventstore.ConcurrencyError
				require.ErrorAs(t, err, &concurrencyErr)
				require.Equal(t, int64(0), concurrencyErr.Expected)
				require.Equal(t, int64(1), concurrencyErr.Actual)

				one := int64(1)
				version, err = b.AppendEvents(ctx, streamID, &one, []*events.Event{executionStarted(streamID)})
				require.NoError(t, err)
				require.Equal(t, int64(2), version)
			},
		},
		{
			name: "AppendEvents_ConflictLeavesStreamUnchanged",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				_, err := b.AppendEvents(ctx, streamID, nil, []*events.Event{workflowCreated(streamID)})
				require.NoError(t, err)

				stale := int64(0)
				_, err = b.AppendEvents(ctx, streamID, &stale, []*events.Event{executionStarted(streamID), taskCreated(streamID)})
				require.Error(t, err)

				version, err := b.GetStreamVersion(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, int64(1), version)

				evts, err := b.ReadEvents(ctx, streamID, 0, 0)
				require.NoError(t, err)
				require.Len(t, evts, 1)
			},
		},
		{
			name: "AppendEvents_ConflictsOnMissingStream",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()

				three := int64(3)
				_, err := b.AppendEvents(ctx, streamID, &three, []*events.Event{workflowCreated(streamID)})

				var concurrencyErr *eventstore.ConcurrencyError
				require.ErrorAs(t, err, &concurrencyErr)
				require.Equal(t, int64(3), concurrencyErr.Expected)
				require.Equal(t, int64(0), concurrencyErr.Actual)
			},
		},
		{
			name: "AppendEvents_NilExpectedVersionIsUnconditional",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()

				for i := 1; i <= 3; i++ {
					version, err := b.AppendEvents(ctx, streamID, nil, []*events.Event{taskCreated(streamID)})
					require.NoError(t, err)
					require.Equal(t, int64(i), version)
				}
			},
		},
		{
			name: "AppendEvents_RejectsMismatchedStream",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				other := workflowCreated(uuid.New())

				_, err := b.AppendEvents(ctx, streamID, nil, []*events.Event{other})
				require.Error(t, err)

				version, err := b.GetStreamVersion(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, int64(0), version)
			},
		},
		{
			name: "AppendEvents_RejectsInvalidEvents",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				invalid := events.NewEvent(streamID, &events.WorkflowCreatedAttributes{
					WorkflowID: streamID,
					Name:       "",
					Query:      "anything",
					CreatedAt:  time.Now().UTC(),
				})

				_, err := b.AppendEvents(ctx, streamID, nil, []*events.Event{workflowCreated(streamID), invalid})
				require.Error(t, err)

				version, err := b.GetStreamVersion(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, int64(0), version, "nothing may be stored when one event is invalid")
			},
		},
		{
			name: "AppendEvents_FirstWriterWinsUnderContention",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				for i := 0; i < 5; i++ {
					_, err := b.AppendEvents(ctx, streamID, nil, []*events.Event{taskCreated(streamID)})
					require.NoError(t, err)
				}

				errs := make(chan error, 2)
				var wg sync.WaitGroup
				for i := 0; i < 2; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						expected := int64(5)
						_, err := b.AppendEvents(ctx, streamID, &expected, []*events.Event{executionStarted(streamID)})
						errs <- err
					}()
				}
				wg.Wait()
				close(errs)

				var failures []error
				for err := range errs {
					if err != nil {
						failures = append(failures, err)
					}
				}

				require.Len(t, failures, 1, "exactly one writer must win")

				var concurrencyErr *eventstore.ConcurrencyError
				require.ErrorAs(t, failures[0], &concurrencyErr)
				require.Equal(t, int64(5), concurrencyErr.Expected)
				require.Equal(t, int64(6), concurrencyErr.Actual)

				version, err := b.GetStreamVersion(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, int64(6), version)
			},
		},
		{
			name: "AppendEvents_PublishesCommittedEvents",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				var mu sync.Mutex
				var received []*events.Event
				b.Bus().Subscribe(eventstore.SubscriberFunc("capture", func(ctx context.Context, evts []*events.Event) error {
					mu.Lock()
					defer mu.Unlock()
					received = append(received, evts...)
					return nil
				}))

				streamID := uuid.New()
				evts := []*events.Event{workflowCreated(streamID), executionStarted(streamID)}
				_, err := b.AppendEvents(ctx, streamID, nil, evts)
				require.NoError(t, err)

				mu.Lock()
				defer mu.Unlock()
				require.Len(t, received, 2)
				require.Equal(t, evts[0].Metadata.EventID, received[0].Metadata.EventID)
				require.Equal(t, evts[1].Metadata.EventID, received[1].Metadata.EventID)
			},
		},
		{
			name: "ReadEvents_PagesFromVersion",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				var evts []*events.Event
				for i := 0; i < 5; i++ {
					evts = append(evts, taskCreated(streamID))
				}
				_, err := b.AppendEvents(ctx, streamID, nil, evts)
				require.NoError(t, err)

				page, err := b.ReadEvents(ctx, streamID, 0, 2)
				require.NoError(t, err)
				require.Len(t, page, 2)
				require.Equal(t, int64(1), page[0].Metadata.SequenceNumber)
				require.Equal(t, int64(2), page[1].Metadata.SequenceNumber)

				page, err = b.ReadEvents(ctx, streamID, 2, 2)
				require.NoError(t, err)
				require.Len(t, page, 2)
				require.Equal(t, int64(3), page[0].Metadata.SequenceNumber)

				page, err = b.ReadEvents(ctx, streamID, 4, 2)
				require.NoError(t, err)
				require.Len(t, page, 1)
				require.Equal(t, int64(5), page[0].Metadata.SequenceNumber)

				page, err = b.ReadEvents(ctx, streamID, 5, 2)
				require.NoError(t, err)
				require.Empty(t, page)
			},
		},
		{
			name: "ReadAllEvents_ReturnsCommitOrder",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamA := uuid.New()
				streamB := uuid.New()

				_, err := b.AppendEvents(ctx, streamA, nil, []*events.Event{workflowCreated(streamA)})
				require.NoError(t, err)
				_, err = b.AppendEvents(ctx, streamB, nil, []*events.Event{workflowCreated(streamB)})
				require.NoError(t, err)
				_, err = b.AppendEvents(ctx, streamA, nil, []*events.Event{executionStarted(streamA)})
				require.NoError(t, err)

				all, err := b.ReadAllEvents(ctx, 0, 0)
				require.NoError(t, err)
				require.Len(t, all, 3)

				for i := 1; i < len(all); i++ {
					require.Greater(t, all[i].Position, all[i-1].Position)
				}

				// Per-stream sequence order is preserved in the feed.
				var streamASeqs []int64
				for _, stored := range all {
					if stored.Event.Metadata.StreamID == streamA {
						streamASeqs = append(streamASeqs, stored.Event.Metadata.SequenceNumber)
					}
				}
				require.Equal(t, []int64{1, 2}, streamASeqs)

				// Resume from a position.
				rest, err := b.ReadAllEvents(ctx, all[0].Position, 0)
				require.NoError(t, err)
				require.Len(t, rest, 2)
				require.Equal(t, all[1].Position, rest[0].Position)

				// maxCount caps the page.
				page, err := b.ReadAllEvents(ctx, 0, 2)
				require.NoError(t, err)
				require.Len(t, page, 2)
			},
		},
		{
			name: "GetStats_CountsStreamsAndEvents",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamA := uuid.New()
				streamB := uuid.New()

				_, err := b.AppendEvents(ctx, streamA, nil, []*events.Event{workflowCreated(streamA), executionStarted(streamA)})
				require.NoError(t, err)
				_, err = b.AppendEvents(ctx, streamB, nil, []*events.Event{workflowCreated(streamB)})
				require.NoError(t, err)

				stats, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(2), stats.Streams)
				require.Equal(t, int64(3), stats.Events)
				require.GreaterOrEqual(t, stats.LastPosition, int64(3))
			},
		},
		{
			name: "LoadLatestSnapshot_NotFound",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				_, err := b.LoadLatestSnapshot(ctx, uuid.New())
				require.ErrorIs(t, err, eventstore.ErrSnapshotNotFound)
			},
		},
		{
			name: "SaveSnapshot_RoundTrips",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				snapshot := &eventstore.Snapshot{
					StreamID:  streamID,
					Version:   100,
					Data:      []byte(`{"status":"running","tasks":3}`),
					Metadata:  []byte(`{"aggregate_type":"research_workflow"}`),
					CreatedAt: time.Now().UTC(),
				}

				require.NoError(t, b.SaveSnapshot(ctx, snapshot))

				got, err := b.LoadLatestSnapshot(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, snapshot.StreamID, got.StreamID)
				require.Equal(t, snapshot.Version, got.Version)
				require.Equal(t, snapshot.Data, got.Data)
				require.Equal(t, snapshot.Metadata, got.Metadata)
				require.WithinDuration(t, snapshot.CreatedAt, got.CreatedAt, time.Second)
			},
		},
		{
			name: "SaveSnapshot_ReplacesSameVersion",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()

				require.NoError(t, b.SaveSnapshot(ctx, &eventstore.Snapshot{
					StreamID: streamID, Version: 100, Data: []byte(`{"rev":1}`), CreatedAt: time.Now().UTC(),
				}))
				require.NoError(t, b.SaveSnapshot(ctx, &eventstore.Snapshot{
					StreamID: streamID, Version: 100, Data: []byte(`{"rev":2}`), CreatedAt: time.Now().UTC(),
				}))

				got, err := b.LoadLatestSnapshot(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, []byte(`{"rev":2}`), got.Data)

				stats, err := b.GetSnapshotStats(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, int64(1), stats.TotalSnapshots)
			},
		},
		{
			name: "LoadSnapshotAtVersion_FindsNewestNotAfter",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				for _, version := range []int64{100, 200, 300} {
					require.NoError(t, b.SaveSnapshot(ctx, &eventstore.Snapshot{
						StreamID: streamID, Version: version, Data: []byte(`{}`), CreatedAt: time.Now().UTC(),
					}))
				}

				got, err := b.LoadSnapshotAtVersion(ctx, streamID, 250)
				require.NoError(t, err)
				require.Equal(t, int64(200), got.Version)

				got, err = b.LoadSnapshotAtVersion(ctx, streamID, 300)
				require.NoError(t, err)
				require.Equal(t, int64(300), got.Version)

				_, err = b.LoadSnapshotAtVersion(ctx, streamID, 99)
				require.ErrorIs(t, err, eventstore.ErrSnapshotNotFound)
			},
		},
		{
			name: "DeleteSnapshotsBefore_RemovesOldSnapshots",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()
				for _, version := range []int64{100, 200, 300} {
					require.NoError(t, b.SaveSnapshot(ctx, &eventstore.Snapshot{
						StreamID: streamID, Version: version, Data: []byte(`{}`), CreatedAt: time.Now().UTC(),
					}))
				}

				deleted, err := b.DeleteSnapshotsBefore(ctx, streamID, 300)
				require.NoError(t, err)
				require.Equal(t, int64(2), deleted)

				stats, err := b.GetSnapshotStats(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, int64(1), stats.TotalSnapshots)
				require.Equal(t, int64(300), stats.LatestVersion)
				require.Equal(t, int64(300), stats.OldestVersion)
			},
		},
		{
			name: "GetSnapshotStats_Aggregates",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				streamID := uuid.New()

				stats, err := b.GetSnapshotStats(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, int64(0), stats.TotalSnapshots)
				require.Nil(t, stats.LastSnapshotAt)

				require.NoError(t, b.SaveSnapshot(ctx, &eventstore.Snapshot{
					StreamID: streamID, Version: 100, Data: []byte(`{"a":1}`), CreatedAt: time.Now().UTC(),
				}))
				require.NoError(t, b.SaveSnapshot(ctx, &eventstore.Snapshot{
					StreamID: streamID, Version: 200, Data: []byte(`{"a":1,"b":2}`), CreatedAt: time.Now().UTC(),
				}))

				stats, err = b.GetSnapshotStats(ctx, streamID)
				require.NoError(t, err)
				require.Equal(t, streamID, stats.StreamID)
				require.Equal(t, int64(2), stats.TotalSnapshots)
				require.Equal(t, int64(200), stats.LatestVersion)
				require.Equal(t, int64(100), stats.OldestVersion)
				require.Greater(t, stats.TotalSizeBytes, int64(0))
				require.NotNil(t, stats.LastSnapshotAt)
			},
		},
		{
			name: "Checkpoint_NotFoundForUnknownProjection",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				_, err := b.LoadCheckpoint(ctx, "never_ran")
				require.ErrorIs(t, err, cqrs.ErrCheckpointNotFound)
			},
		},
		{
			name: "Checkpoint_RoundTripsAndUpserts",
			f: func(t *testing.T, ctx context.Context, b Backend) {
				checkpoint := &cqrs.Checkpoint{
					ProjectionName: "workflow_status",
					Position:       42,
					LastEventID:    uuid.New(),
					Timestamp:      time.Now().UTC(),
				}
				require.NoError(t, b.SaveCheckpoint(ctx, checkpoint))

				got, err := b.LoadCheckpoint(ctx, "workflow_status")
				require.NoError(t, err)
				require.Equal(t, checkpoint.ProjectionName, got.ProjectionName)
				require.Equal(t, checkpoint.Position, got.Position)
				require.Equal(t, checkpoint.LastEventID, got.LastEventID)
				require.WithinDuration(t, checkpoint.Timestamp, got.Timestamp, time.Second)

				checkpoint.Position = 100
				checkpoint.ErrorCount = 2
				checkpoint.LastError = "apply failed: read model gone"
				require.NoError(t, b.SaveCheckpoint(ctx, checkpoint))

				got, err = b.LoadCheckpoint(ctx, "workflow_status")
				require.NoError(t, err)
				require.Equal(t, int64(100), got.Position)
				require.Equal(t, int64(2), got.ErrorCount)
				require.Equal(t, "apply failed: read model gone", got.LastError)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx := context.Background()
			tt.f(t, ctx, b)
			if teardown != nil {
				teardown(b)
			}
		})
	}
}
