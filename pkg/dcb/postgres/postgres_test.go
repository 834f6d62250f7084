package postgres_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/dcb/postgres"
	"github.com/dcbrun/domainrt/pkg/durable"
	"github.com/dcbrun/domainrt/pkg/orchestrator"
	"github.com/dcbrun/domainrt/pkg/processmanager"
)

func inputEvent(eventType string, tags ...dcb.Tag) dcb.InputEvent {
	return dcb.InputEvent{
		EventType:     eventType,
		Category:      dcb.CategoryDomain,
		SchemaVersion: 1,
		Payload:       []byte(`{"ok":true}`),
		Metadata:      dcb.Metadata{CorrelationID: "corr-1", CausationID: "cmd-1"},
		Tags:          tags,
	}
}

var _ = Describe("Event Store", func() {
	Describe("Append", func() {
		It("assigns a monotonic stream version and global position", func() {
			res, err := store.Append(ctx, "order", "o1", 0, []dcb.InputEvent{inputEvent("OrderSubmitted")})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.NewVersion).To(Equal(int64(1)))
			Expect(res.EventIDs).To(HaveLen(1))
			Expect(res.GlobalPositions).To(HaveLen(1))

			res2, err := store.Append(ctx, "order", "o1", 1, []dcb.InputEvent{inputEvent("OrderShipped")})
			Expect(err).NotTo(HaveOccurred())
			Expect(res2.NewVersion).To(Equal(int64(2)))
			Expect(res2.GlobalPositions[0]).To(BeNumerically(">", res.GlobalPositions[0]))
		})

		It("rejects a stale expectedVersion with a ConcurrencyError", func() {
			_, err := store.Append(ctx, "order", "o2", 0, []dcb.InputEvent{inputEvent("OrderSubmitted")})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Append(ctx, "order", "o2", 0, []dcb.InputEvent{inputEvent("OrderSubmitted")})
			Expect(err).To(HaveOccurred())
			concErr, ok := dcb.AsConcurrencyError(err)
			Expect(ok).To(BeTrue())
			Expect(concErr.ExpectedVersion).To(Equal(int64(0)))
			Expect(concErr.ActualVersion).To(Equal(int64(1)))
		})

		It("appends a batch atomically with consecutive versions", func() {
			res, err := store.Append(ctx, "order", "o3", 0, []dcb.InputEvent{
				inputEvent("OrderSubmitted"),
				inputEvent("OrderValidated"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.NewVersion).To(Equal(int64(2)))
			Expect(res.EventIDs).To(HaveLen(2))

			seq, err := store.ReadStream(ctx, "order", "o3")
			Expect(err).NotTo(HaveOccurred())
			Expect(seq.Events).To(HaveLen(2))
			Expect(seq.Events[0].StreamVersion).To(Equal(int64(1)))
			Expect(seq.Events[1].StreamVersion).To(Equal(int64(2)))
		})

		It("rejects an empty batch", func() {
			_, err := store.Append(ctx, "order", "o4", 0, nil)
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsValidationError(err)).To(BeTrue())
		})
	})

	Describe("LookupByCommandID", func() {
		It("finds the event produced by a command's causationId", func() {
			ev := inputEvent("OrderSubmitted")
			ev.Metadata.CausationID = "cmd-lookup-1"
			_, err := store.Append(ctx, "order", "o5", 0, []dcb.InputEvent{ev})
			Expect(err).NotTo(HaveOccurred())

			found, ok, err := store.LookupByCommandID(ctx, dcb.CommandID("cmd-lookup-1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(found.StreamID).To(Equal("o5"))
		})

		It("reports not found for an unknown commandId", func() {
			_, ok, err := store.LookupByCommandID(ctx, dcb.CommandID("cmd-never-seen"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("LoadCMS", func() {
		It("folds a stream's events through the projector", func() {
			type state struct{ Count int }
			_, err := store.Append(ctx, "counter", "c1", 0, []dcb.InputEvent{
				inputEvent("Incremented"),
				inputEvent("Incremented"),
				inputEvent("Incremented"),
			})
			Expect(err).NotTo(HaveOccurred())

			projector := dcb.StateProjector{
				Query:        dcb.NewQuery([]string{"Incremented"}),
				InitialState: state{},
				TransitionFn: func(s any, _ dcb.Event) any {
					st := s.(state)
					st.Count++
					return st
				},
			}
			got, version, ok, err := store.LoadCMS(ctx, "counter", "c1", projector)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(version).To(Equal(int64(3)))
			Expect(got.(state).Count).To(Equal(3))
		})

		It("reports ok=false for a stream with no events", func() {
			_, _, ok, err := store.LoadCMS(ctx, "counter", "never-written", dcb.StateProjector{
				Query:        dcb.NewQuery([]string{"Incremented"}),
				InitialState: nil,
				TransitionFn: func(s any, _ dcb.Event) any { return s },
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Read", func() {
		It("filters by tag", func() {
			_, err := store.Append(ctx, "order", "o6", 0, []dcb.InputEvent{
				inputEvent("OrderSubmitted", dcb.Tag{Key: "productId", Value: "p1"}),
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Append(ctx, "order", "o7", 0, []dcb.InputEvent{
				inputEvent("OrderSubmitted", dcb.Tag{Key: "productId", Value: "p2"}),
			})
			Expect(err).NotTo(HaveOccurred())

			seq, err := store.Read(ctx, dcb.NewQuery(nil, dcb.Tag{Key: "productId", Value: "p1"}), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(seq.Events).To(HaveLen(1))
			Expect(seq.Events[0].StreamID).To(Equal("o6"))
		})

		It("respects a position cursor", func() {
			first, err := store.Append(ctx, "order", "o8", 0, []dcb.InputEvent{inputEvent("OrderSubmitted")})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Append(ctx, "order", "o9", 0, []dcb.InputEvent{inputEvent("OrderSubmitted")})
			Expect(err).NotTo(HaveOccurred())

			seq, err := store.Read(ctx, dcb.NewQuery([]string{"OrderSubmitted"}), &dcb.ReadOptions{FromPosition: first.GlobalPositions[0]})
			Expect(err).NotTo(HaveOccurred())
			for _, e := range seq.Events {
				Expect(e.GlobalPosition).To(BeNumerically(">", first.GlobalPositions[0]))
			}
		})
	})

	Describe("ReadChannel", func() {
		It("streams the same events Read would return", func() {
			for i := 0; i < 5; i++ {
				_, err := store.Append(ctx, "ledger", "l1", int64(i), []dcb.InputEvent{inputEvent("LedgerPosted")})
				Expect(err).NotTo(HaveOccurred())
			}

			events, errs := store.ReadChannel(ctx, dcb.NewQuery([]string{"LedgerPosted"}), nil)
			var got []dcb.Event
			for e := range events {
				got = append(got, e)
			}
			Expect(<-errs).To(BeNil())
			Expect(got).To(HaveLen(5))
		})
	})

	Describe("round-trip payload", func() {
		It("preserves arbitrary JSON payload bytes", func() {
			payload, _ := json.Marshal(map[string]any{"orderId": "o10", "items": []string{"a", "b"}})
			ev := dcb.InputEvent{
				EventType: "OrderSubmitted", Category: dcb.CategoryDomain, SchemaVersion: 1,
				Payload: payload, Metadata: dcb.Metadata{CorrelationID: "c", CausationID: "cmd"},
			}
			_, err := store.Append(ctx, "order", "o10", 0, []dcb.InputEvent{ev})
			Expect(err).NotTo(HaveOccurred())

			seq, err := store.ReadStream(ctx, "order", "o10")
			Expect(err).NotTo(HaveOccurred())
			Expect(seq.Events[0].Payload).To(MatchJSON(payload))
		})
	})
})

var _ = Describe("Connection pool health", func() {
	It("reports healthy when the pool holds connections", func() {
		healthChecker, ok := store.(interface {
			CheckConnectionPoolHealth() postgres.ConnectionPoolHealth
		})
		Expect(ok).To(BeTrue())
		health := healthChecker.CheckConnectionPoolHealth()
		Expect(health.Healthy).To(BeTrue())
		Expect(health.TotalConns).To(BeNumerically(">", 0))
	})
})

var _ = Describe("Scope Store", func() {
	It("creates a scope on first commit from version 0", func() {
		newVersion, err := scopes.Commit(ctx, dcb.ScopeKey("tenant:t1:reservation:o1"), 0, []string{"o1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(newVersion).To(Equal(int64(1)))

		scope, ok, err := scopes.Get(ctx, dcb.ScopeKey("tenant:t1:reservation:o1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(scope.CurrentVersion).To(Equal(int64(1)))
		Expect(scope.StreamIDs).To(ConsistOf("o1"))
	})

	It("reports a conflict with currentVersion:0 when expecting a nonzero version on an absent scope", func() {
		_, err := scopes.Commit(ctx, dcb.ScopeKey("tenant:t1:reservation:never"), 3, []string{"x"})
		Expect(err).To(HaveOccurred())
		conflict, ok := dcb.AsScopeConflictError(err)
		Expect(ok).To(BeTrue())
		Expect(conflict.CurrentVersion).To(Equal(int64(0)))
	})

	It("strictly increases the version on success and leaves it untouched on conflict", func() {
		key := dcb.ScopeKey("tenant:t1:reservation:o2")
		v1, err := scopes.Commit(ctx, key, 0, []string{"o2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(v1).To(Equal(int64(1)))

		_, err = scopes.Commit(ctx, key, 0, []string{"o2"})
		Expect(err).To(HaveOccurred())
		conflict, ok := dcb.AsScopeConflictError(err)
		Expect(ok).To(BeTrue())
		Expect(conflict.CurrentVersion).To(Equal(int64(1)))

		scope, _, err := scopes.Get(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(scope.CurrentVersion).To(Equal(int64(1)))
	})
})

type intentGetter interface {
	Get(ctx context.Context, intentKey string) (durable.Intent, bool, error)
}

var _ = Describe("Intent Store", func() {
	It("records a pending intent and transitions it to completed exactly once", func() {
		intent := durable.Intent{
			IntentKey: "SubmitOrder:order:o1:1_abcd", CommandType: "SubmitOrder",
			StreamType: "order", StreamID: "o1", Status: durable.IntentPending,
			TimeoutMs: 300000, CreatedAt: time.Now().UTC(),
		}
		Expect(intents.Record(ctx, intent)).To(Succeed())
		Expect(intents.Update(ctx, intent.IntentKey, durable.IntentCompleted, "evt-1", "")).To(Succeed())

		getter, ok := intents.(intentGetter)
		Expect(ok).To(BeTrue())
		got, found, err := getter.Get(ctx, intent.IntentKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(got.Status).To(Equal(durable.IntentCompleted))
		Expect(got.CompletionEventID).To(Equal("evt-1"))
	})

	It("abandons a pending intent past its deadline", func() {
		intent := durable.Intent{
			IntentKey: "SubmitOrder:order:o2:1_efgh", CommandType: "SubmitOrder",
			StreamType: "order", StreamID: "o2", Status: durable.IntentPending,
			TimeoutMs: 1, CreatedAt: time.Now().UTC().Add(-time.Hour),
		}
		Expect(intents.Record(ctx, intent)).To(Succeed())

		abandoner, ok := intents.(interface {
			AbandonExpired(ctx context.Context, now time.Time) ([]string, error)
		})
		Expect(ok).To(BeTrue())
		abandoned, err := abandoner.AbandonExpired(ctx, time.Now().UTC())
		Expect(err).NotTo(HaveOccurred())
		Expect(abandoned).To(ContainElement(intent.IntentKey))
	})
})

var _ = Describe("PM State Store", func() {
	It("creates idle state on first access and persists bookkeeping thereafter", func() {
		state, err := pmStates.GetOrCreate(ctx, "release-reservation", "o5")
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(processmanager.StatusIdle))
		Expect(state.LastGlobalPosition).To(Equal(int64(0)))

		state.Status = processmanager.StatusProcessing
		state.LastGlobalPosition = 42
		state.CommandsEmitted = 1
		Expect(pmStates.Save(ctx, state)).To(Succeed())

		reloaded, err := pmStates.GetOrCreate(ctx, "release-reservation", "o5")
		Expect(err).NotTo(HaveOccurred())
		Expect(reloaded.Status).To(Equal(processmanager.StatusProcessing))
		Expect(reloaded.LastGlobalPosition).To(Equal(int64(42)))
		Expect(reloaded.CommandsEmitted).To(Equal(1))
	})
})

var _ = Describe("Dead Letter Sinks", func() {
	It("records an orchestrator-side projection dispatch failure", func() {
		err := dlSink.Record(ctx, orchestrator.DeadLetter{
			SubscriptionName: "order-summary-projection",
			Event:            dcb.Event{EventID: "evt-dl-1", EventType: "OrderSubmitted"},
			Error:            "connection refused",
		})
		Expect(err).NotTo(HaveOccurred())

		var count int
		Expect(pool.QueryRow(ctx, "SELECT count(*) FROM dead_letters WHERE subscription_name = $1", "order-summary-projection").Scan(&count)).To(Succeed())
		Expect(count).To(Equal(1))
	})

	It("records a PM handler failure with instance context", func() {
		err := pmDLSink.Record(ctx, processmanager.DeadLetter{
			PMName: "release-reservation", InstanceID: "o6",
			Event: dcb.Event{EventID: "evt-dl-2", EventType: "OrderCancelled"},
			Error: "projection lag", Attempt: 2,
		})
		Expect(err).NotTo(HaveOccurred())

		var instanceID string
		Expect(pool.QueryRow(ctx, "SELECT instance_id FROM dead_letters WHERE event_id = $1", "evt-dl-2").Scan(&instanceID)).To(Succeed())
		Expect(instanceID).To(Equal("o6"))
	})
})
