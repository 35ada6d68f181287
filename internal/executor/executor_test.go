package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"fieldsync/internal/domain"
)

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	var got []domain.ActionType
	record := Func(func(ctx context.Context, a domain.QueuedAction, progress ProgressFunc) (*ConflictInfo, error) {
		got = append(got, a.Type)
		progress(100)
		return nil, nil
	})
	r.Register(domain.ActionSendMessage, record)
	r.Register(domain.ActionAcceptOrder, Func(func(ctx context.Context, a domain.QueuedAction, _ ProgressFunc) (*ConflictInfo, error) {
		return &ConflictInfo{Server: map[string]any{"assignee": "other"}}, nil
	}))

	c, err := r.Execute(context.Background(), domain.QueuedAction{Type: domain.ActionSendMessage}, nil)
	require.NoError(t, err)
	require.Nil(t, c)
	require.Equal(t, []domain.ActionType{domain.ActionSendMessage}, got)

	c, err = r.Execute(context.Background(), domain.QueuedAction{Type: domain.ActionAcceptOrder}, nil)
	require.NoError(t, err)
	require.Equal(t, "other", c.Server["assignee"])

	require.True(t, r.Has(domain.ActionSendMessage))
	require.False(t, r.Has(domain.ActionUploadPhoto))
	require.Equal(t, []domain.ActionType{domain.ActionSendMessage, domain.ActionAcceptOrder}, r.Types())
}

func TestRegistry_UnknownTypeIsPermanent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), domain.QueuedAction{Type: "teleport"}, nil)
	require.Error(t, err)
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, domain.ErrUnknownActionType)
}

func TestPermanent(t *testing.T) {
	require.Nil(t, Permanent(nil))
	base := errors.New("bad request")
	err := fmt.Errorf("send message: %w", Permanent(base))
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, base)
	require.False(t, IsPermanent(base))
}
