// Package schema implements the schema/time validation chain every
// request flows through before dispatch (spec §4.2), plus the
// forward/backward compatibility checks the write and finish paths run.
package schema

import (
	"context"
	"fmt"

	"github.com/distrikv/partd/pkg/types"
)

// TableSchema is the catalog's view of one table's schema at the version
// it was current for.
type TableSchema struct {
	TableID uint32
	Version uint32
	Dropped bool
}

// CatalogService is the external collaborator (spec §1) the coordinator
// consults for "table exists / schema version at timestamp". Real
// deployments back this with the cluster's catalog/schema registry.
type CatalogService interface {
	// TableAt returns the schema in effect for tableID at ts, or ok=false
	// if the table did not exist (or had been dropped) at ts.
	TableAt(ctx context.Context, tableID uint32, ts types.HybridTimestamp) (schema TableSchema, ok bool)
	// WaitForMetadataCompleteness blocks until the catalog is known to be
	// up to date as of ts on this node (spec §4.2 step 3).
	WaitForMetadataCompleteness(ctx context.Context, ts types.HybridTimestamp) error
	// ReliableVersionAt returns the catalog version that is guaranteed to
	// be visible to every replica as of ts (spec §4.4 step 3).
	ReliableVersionAt(ctx context.Context, ts types.HybridTimestamp) (uint32, error)
}

// ErrTableNotFound is returned when a table does not exist at the
// requested timestamp (spec §4.2, §7).
type ErrTableNotFound struct {
	TableID uint32
}

func (e *ErrTableNotFound) Error() string {
	return fmt.Sprintf("table %d not found at requested timestamp", e.TableID)
}

// ErrIncompatibleSchema is returned when a request's declared schema
// version does not match the table's schema at the relevant timestamp.
type ErrIncompatibleSchema struct {
	TableID  uint32
	Expected uint32
	Got      uint32
}

func (e *ErrIncompatibleSchema) Error() string {
	return fmt.Sprintf("table %d: incompatible schema version (table at %d, request declared %d)",
		e.TableID, e.Expected, e.Got)
}

// ErrIncompatibleSchemaAbort is thrown after the transaction has already
// been finalized as aborted because forward validation failed at commit
// (spec §4.5 step 1, §7).
type ErrIncompatibleSchemaAbort struct {
	TableID uint32
}

func (e *ErrIncompatibleSchemaAbort) Error() string {
	return fmt.Sprintf("table %d: schema changed incompatibly before commit, transaction aborted", e.TableID)
}

// Validator runs the table-existence and schema-match checks spec §4.2
// requires before any handler sees a request.
type Validator struct {
	catalog CatalogService
}

// NewValidator builds a Validator against the given catalog.
func NewValidator(catalog CatalogService) *Validator {
	return &Validator{catalog: catalog}
}

// CheckAt verifies the table exists at ts, and — if declaredVersion is
// present — that it matches the table's schema version at ts.
func (v *Validator) CheckAt(ctx context.Context, tableID uint32, ts types.HybridTimestamp, declaredVersion uint32, hasDeclared bool) (TableSchema, error) {
	s, ok := v.catalog.TableAt(ctx, tableID, ts)
	if !ok || s.Dropped {
		return TableSchema{}, &ErrTableNotFound{TableID: tableID}
	}
	if hasDeclared && s.Version != declaredVersion {
		return TableSchema{}, &ErrIncompatibleSchema{TableID: tableID, Expected: s.Version, Got: declaredVersion}
	}
	return s, nil
}

// AwaitReadMetadata implements spec §4.2 step 3: any request that reads
// rows waits for local metadata completeness at ts before PK/index
// extraction.
func (v *Validator) AwaitReadMetadata(ctx context.Context, ts types.HybridTimestamp) error {
	return v.catalog.WaitForMetadataCompleteness(ctx, ts)
}

// CheckBackwardCompatible validates a row read under a transaction against
// the schema the transaction began with (spec §4.3: "validate
// backwards-compatibility of each row's schema vs. the tx's begin
// schema"). A row written under the begin schema's version or an older
// one is acceptable; a row written under a newer version is rejected.
func (v *Validator) CheckBackwardCompatible(ctx context.Context, tableID uint32, rowSchemaVersion uint32, txBeginTS types.HybridTimestamp) error {
	s, ok := v.catalog.TableAt(ctx, tableID, txBeginTS)
	if !ok {
		return &ErrTableNotFound{TableID: tableID}
	}
	if rowSchemaVersion > s.Version {
		return &ErrIncompatibleSchema{TableID: tableID, Expected: s.Version, Got: rowSchemaVersion}
	}
	return nil
}

// CheckForwardCompatible validates, at commit time, that every enlisted
// table's schema at commitTimestamp remains forward-compatible with the
// schema the transaction began with (spec §4.5 step 1). Any table dropped
// or incompatible fails the whole commit.
func (v *Validator) CheckForwardCompatible(ctx context.Context, tableID uint32, txBeginTS, commitTS types.HybridTimestamp) error {
	beginSchema, ok := v.catalog.TableAt(ctx, tableID, txBeginTS)
	if !ok {
		return &ErrTableNotFound{TableID: tableID}
	}
	commitSchema, ok := v.catalog.TableAt(ctx, tableID, commitTS)
	if !ok || commitSchema.Dropped {
		return &ErrIncompatibleSchemaAbort{TableID: tableID}
	}
	if commitSchema.Version < beginSchema.Version {
		return &ErrIncompatibleSchemaAbort{TableID: tableID}
	}
	return nil
}

// FailIfSchemaChangedSinceTxStart implements spec §4.4 step 3: after
// locks are taken, re-check that the table's schema has not moved since
// the transaction began, and return the reliable catalog version as of
// now.
func (v *Validator) FailIfSchemaChangedSinceTxStart(ctx context.Context, tableID uint32, txBeginTS, now types.HybridTimestamp) (uint32, error) {
	if err := v.catalog.WaitForMetadataCompleteness(ctx, now); err != nil {
		return 0, err
	}
	beginSchema, ok := v.catalog.TableAt(ctx, tableID, txBeginTS)
	if !ok {
		return 0, &ErrTableNotFound{TableID: tableID}
	}
	nowSchema, ok := v.catalog.TableAt(ctx, tableID, now)
	if !ok || nowSchema.Dropped || nowSchema.Version != beginSchema.Version {
		return 0, &ErrIncompatibleSchema{TableID: tableID, Expected: beginSchema.Version, Got: nowSchema.Version}
	}
	return v.catalog.ReliableVersionAt(ctx, now)
}
