package txn

import (
	"context"
	"errors"

	"github.com/distrikv/partd/pkg/types"
)

// Cleanup is txManager.cleanup from spec §4.5 step 4 / §4.7: it drives
// the write-intent switch on every partition a transaction enlisted,
// independent of the commit partition's own switch.
type Cleanup struct {
	submit CommandSubmitter
}

// NewCleanup builds a Cleanup over the given command submitter.
func NewCleanup(submit CommandSubmitter) *Cleanup {
	return &Cleanup{submit: submit}
}

// Run switches the write intent to its final outcome on every enlisted
// partition, continuing past individual failures and returning their
// aggregate so the caller can decide whether to retry the whole sweep.
func (c *Cleanup) Run(ctx context.Context, txID types.TransactionID, enlistedPartitions []types.GroupID, commit bool, commitTS types.HybridTimestamp) error {
	var errs []error
	for _, groupID := range enlistedPartitions {
		if err := c.submit.SubmitWriteIntentSwitch(ctx, groupID, txID, commit, commitTS); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DurableCleanup runs the full durableCleanup sequence (spec §4.5 step 4,
// §4.7): switch every enlisted partition, then flip the durable
// locksReleased flag via MarkLocksReleasedCommand.
func (c *Cleanup) DurableCleanup(ctx context.Context, durable DurableStore, commitGroupID types.GroupID, txID types.TransactionID, enlistedPartitions []types.GroupID, commit bool, commitTS types.HybridTimestamp) error {
	if err := c.Run(ctx, txID, enlistedPartitions, commit, commitTS); err != nil {
		return err
	}
	if err := c.submit.SubmitMarkLocksReleased(ctx, commitGroupID, txID); err != nil {
		return err
	}
	return durable.MarkLocksReleased(txID)
}
