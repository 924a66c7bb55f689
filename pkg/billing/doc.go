// Package billing keeps a locally held subscription record consistent with an
// external payment processor, gates feature access on that record and meters
// per-period usage against plan limits.
//
// The processor is the single source of truth for subscription state. The
// package never derives a status locally: it fetches the processor's object and
// overwrites every processor-sourced field of the local record with it.
//
// # Architecture
//
//   - Catalog: validated plan reference data (limits, prices, trial days, features)
//     loaded from a PlansSource (in-memory, YAML or a database table).
//   - Provisioner: resolves or creates the processor customer, product and price,
//     opens a checkout session and inserts a provisional record.
//   - Reconciler: merges fetched processor state into the local record from three
//     triggers: webhook events, the scheduled sweep and manual sync.
//   - Webhooks: verifies, deduplicates (EventLedger) and dispatches notifications.
//   - UsageCounter: per-period counter reconciled against an ActionSource.
//   - TrialEvaluator: one trial per subscriber, computed from durable history.
//   - IsActive / Evaluate: the access gate. Pure functions over a *Record.
//   - Processor: the external processor contract, implemented by StripeProcessor
//     and PaddleProcessor.
//   - Store: the datastore contract, implemented by MemoryStore here and by a
//     PostgreSQL store in the service layer.
//
// # Convergence
//
// Update paths are not coordinated. Each write is a full overwrite stamped with
// the time the processor answered (SubscriptionUpdate.FetchedAt). Stores reject
// updates fetched before the stored SyncedAt, so the record always reflects the
// most recent fetch regardless of the order in which writers land.
//
// # Failures
//
// Processor errors are classified into ErrProcessorNotFound, ErrProcessorConflict
// and ErrProcessorTransient. Fetches return a FetchResult instead of an error:
//
//	res := processor.FetchSubscription(ctx, "sub_123")
//	switch res.Outcome {
//	case billing.FetchFound:     // merge
//	case billing.FetchNotFound:  // mark canceled, keep the row
//	case billing.FetchTransient: // retry with backoff, never change state
//	case billing.FetchFatal:     // report
//	}
//
// A write conflict is retried once. A failing record never aborts a sweep.
//
// # Usage
//
//	catalog, err := billing.NewCatalog(ctx, billing.NewYAMLFileSource("plans.yaml"),
//		billing.WithDefaultPlan("free"))
//	if err != nil {
//		return err
//	}
//
//	store := billing.NewMemoryStore()
//	reconciler := billing.NewReconciler(processor, store, billing.WithLogger(logger))
//	usage := billing.NewUsageCounter(store, catalog, store)
//
//	if !billing.IsActive(record, time.Now()) {
//		return ErrPaymentRequired
//	}
//	status, err := usage.Check(ctx, subscriberID)
//	if err == nil && status.HasRemainingUsage {
//		runAnalysis()
//		if _, err := usage.Increment(ctx, subscriberID, billing.ActionReviewAnalysis); err != nil {
//			logger.WarnContext(ctx, "usage increment failed", "error", err)
//		}
//	}
package billing
