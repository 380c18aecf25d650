package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ReviewStatus
		want     bool
	}{
		{ReviewStatusPending, ReviewStatusNotified, true},
		{ReviewStatusPending, ReviewStatusApproved, true},
		{ReviewStatusNotified, ReviewStatusApproved, true},
		{ReviewStatusApproved, ReviewStatusResponded, true},
		{ReviewStatusApproved, ReviewStatusFailed, true},
		{ReviewStatusFailed, ReviewStatusApproved, true},
		{ReviewStatusPending, ReviewStatusRejected, true},
		{ReviewStatusNotified, ReviewStatusRejected, true},

		{ReviewStatusNotified, ReviewStatusPending, false},
		{ReviewStatusPending, ReviewStatusResponded, false},
		{ReviewStatusApproved, ReviewStatusRejected, false},
		{ReviewStatusResponded, ReviewStatusApproved, false},
		{ReviewStatusResponded, ReviewStatusPending, false},
		{ReviewStatusRejected, ReviewStatusApproved, false},
		{ReviewStatusFailed, ReviewStatusResponded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestReviewTransition(t *testing.T) {
	r := &Review{Status: ReviewStatusPending}

	require.NoError(t, r.Transition(ReviewStatusNotified))
	require.NoError(t, r.Transition(ReviewStatusApproved))
	require.NoError(t, r.Transition(ReviewStatusFailed))
	require.NoError(t, r.Transition(ReviewStatusApproved), "failed posts can be re-approved")
	require.NoError(t, r.Transition(ReviewStatusResponded))
	assert.True(t, r.IsClosed())

	err := r.Transition(ReviewStatusApproved)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, ReviewStatusResponded, r.Status, "status is unchanged on a rejected transition")
}

func TestReviewValidate(t *testing.T) {
	assert.NoError(t, (&Review{ExternalID: "r1", Rating: 5}).Validate())
	assert.Error(t, (&Review{ExternalID: "", Rating: 5}).Validate())
	assert.Error(t, (&Review{ExternalID: "r1", Rating: 0}).Validate())
	assert.Error(t, (&Review{ExternalID: "r1", Rating: 6}).Validate())
}

func TestParseVendorKind(t *testing.T) {
	v, err := ParseVendorKind("ios")
	require.NoError(t, err)
	assert.Equal(t, VendorAppStore, v)

	v, err = ParseVendorKind("googleplay")
	require.NoError(t, err)
	assert.Equal(t, VendorGooglePlay, v)

	_, err = ParseVendorKind("steam")
	assert.Error(t, err)
}

func TestResponseText(t *testing.T) {
	r := &Response{DraftText: "draft"}
	assert.Equal(t, "draft", r.Text())

	edited := "edited"
	r.FinalText = &edited
	assert.Equal(t, "edited", r.Text())
}
