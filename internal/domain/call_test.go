package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallType(t *testing.T) {
	for _, s := range []string{"audio", "voice"} {
		kind, err := ParseCallType(s)
		require.NoError(t, err)
		assert.Equal(t, CallTypeVoice, kind)
	}

	kind, err := ParseCallType("video")
	require.NoError(t, err)
	assert.Equal(t, CallTypeVideo, kind)

	_, err = ParseCallType("hologram")
	assert.Error(t, err)
}

func TestCall_CloneIsDeep(t *testing.T) {
	started := time.Now()
	call := &Call{
		ID:           "c1",
		Participants: []Participant{{UserID: "alice"}},
		StartedAt:    &started,
	}

	clone := call.Clone()
	clone.Participants[0].IsMuted = true
	*clone.StartedAt = started.Add(time.Hour)

	assert.False(t, call.Participants[0].IsMuted)
	assert.Equal(t, started, *call.StartedAt)
	assert.Nil(t, (*Call)(nil).Clone())
}

func TestCall_Participants(t *testing.T) {
	call := &Call{Participants: []Participant{{UserID: "alice"}, {UserID: "bob"}}}

	p, ok := call.Participant("bob")
	require.True(t, ok)
	p.IsMuted = true
	assert.True(t, call.Participants[1].IsMuted)

	assert.False(t, call.HasParticipant("carol"))
	assert.Equal(t, []string{"bob"}, call.RemoteUserIDs("alice"))
}

func TestCall_Validate(t *testing.T) {
	valid := Call{ID: "c1", InitiatorID: "alice", Type: CallTypeVideo}
	assert.NoError(t, valid.Validate())

	noID := valid
	noID.ID = ""
	assert.Error(t, noID.Validate())

	badType := valid
	badType.Type = "fax"
	assert.Error(t, badType.Validate())

	crowded := valid
	crowded.Participants = make([]Participant, 3)
	assert.Error(t, crowded.Validate())
	crowded.IsGroupCall = true
	assert.NoError(t, crowded.Validate())
}

func TestCallSettingsPatch_Apply(t *testing.T) {
	base := CallSettings{EnableAudioByDefault: true, CallTimeout: 30, MaxCallDuration: 120}
	off := false
	timeout := 45
	device := "mic-2"

	got, err := CallSettingsPatch{
		EnableAudioByDefault: &off,
		CallTimeout:          &timeout,
		PreferredAudioDevice: &device,
	}.Apply(base)

	require.NoError(t, err)
	assert.False(t, got.EnableAudioByDefault)
	assert.Equal(t, 45*time.Second, got.CallTimeoutDuration())
	assert.Equal(t, 120*time.Minute, got.MaxCallDurationValue())
	assert.Equal(t, "mic-2", got.PreferredAudioDevice)
	assert.True(t, base.EnableAudioByDefault)

	zero := 0
	_, err = CallSettingsPatch{MaxCallDuration: &zero}.Apply(base)
	assert.Error(t, err)
}

func TestQualityClass_ParticipantQuality(t *testing.T) {
	assert.Equal(t, QualityExcellent, QualityClassGood.ParticipantQuality())
	assert.Equal(t, QualityGood, QualityClassFair.ParticipantQuality())
	assert.Equal(t, QualityPoor, QualityClassPoor.ParticipantQuality())
}

func TestSummarizeHistory(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	stats := SummarizeHistory([]HistoryEntry{
		{Call: &Call{Type: CallTypeVideo, StartedAt: &start, EndedAt: &end}},
		{Call: &Call{Type: CallTypeVoice}, IsMissed: true},
	})

	assert.Equal(t, 2, stats.TotalCalls)
	assert.Equal(t, 1, stats.MissedCalls)
	assert.Equal(t, 1, stats.VideoCalls)
	assert.Equal(t, 1, stats.AudioCalls)
	assert.InDelta(t, 90, stats.TotalDuration, 0.001)
	assert.InDelta(t, 90, stats.AverageDuration, 0.001)
	assert.InDelta(t, 50, stats.SuccessRate, 0.001)

	assert.Equal(t, HistoryStats{}, SummarizeHistory(nil))
}
