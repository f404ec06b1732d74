package schema

import (
	"context"
	"testing"

	"github.com/distrikv/partd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(ms int64) types.HybridTimestamp { return types.HybridTimestamp{Physical: ms} }

func TestValidatorCheckAtTableNotFound(t *testing.T) {
	cat := NewInMemoryCatalog()
	v := NewValidator(cat)

	_, err := v.CheckAt(context.Background(), 7, ts(10), 0, false)
	var notFound *ErrTableNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestValidatorCheckAtVersionMismatch(t *testing.T) {
	cat := NewInMemoryCatalog()
	cat.CreateTable(7, ts(10))

	v := NewValidator(cat)
	_, err := v.CheckAt(context.Background(), 7, ts(20), 99, true)
	var mismatch *ErrIncompatibleSchema
	require.ErrorAs(t, err, &mismatch)
}

func TestValidatorCheckAtSucceeds(t *testing.T) {
	cat := NewInMemoryCatalog()
	cat.CreateTable(7, ts(10))

	v := NewValidator(cat)
	s, err := v.CheckAt(context.Background(), 7, ts(20), 1, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s.Version)
}

func TestValidatorForwardCompatibleAcrossAlter(t *testing.T) {
	cat := NewInMemoryCatalog()
	cat.CreateTable(7, ts(10))
	cat.AlterTable(7, ts(50))

	v := NewValidator(cat)
	err := v.CheckForwardCompatible(context.Background(), 7, ts(20), ts(60))
	require.NoError(t, err)
}

func TestValidatorForwardIncompatibleAfterDrop(t *testing.T) {
	cat := NewInMemoryCatalog()
	cat.CreateTable(7, ts(10))
	cat.DropTable(7, ts(50))

	v := NewValidator(cat)
	err := v.CheckForwardCompatible(context.Background(), 7, ts(20), ts(60))
	var abort *ErrIncompatibleSchemaAbort
	require.ErrorAs(t, err, &abort)
}

func TestValidatorBackwardCompatibleRejectsNewerRow(t *testing.T) {
	cat := NewInMemoryCatalog()
	cat.CreateTable(7, ts(10))
	cat.AlterTable(7, ts(50))

	v := NewValidator(cat)
	err := v.CheckBackwardCompatible(context.Background(), 7, 2, ts(20))
	var mismatch *ErrIncompatibleSchema
	require.ErrorAs(t, err, &mismatch)
}

func TestValidatorFailIfSchemaChangedSinceTxStart(t *testing.T) {
	cat := NewInMemoryCatalog()
	cat.CreateTable(7, ts(10))

	v := NewValidator(cat)
	ver, err := v.FailIfSchemaChangedSinceTxStart(context.Background(), 7, ts(20), ts(25))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ver)

	cat.AlterTable(7, ts(30))
	_, err = v.FailIfSchemaChangedSinceTxStart(context.Background(), 7, ts(20), ts(40))
	require.Error(t, err)
}
