package pionrtc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"secureconnect-callagent/internal/media"
)

func newTestPlatform(t *testing.T) *Platform {
	p, err := NewPlatform(Config{
		AudioInputs:  []string{"mic-a", "mic-b"},
		VideoInputs:  []string{"cam-a"},
		AudioOutputs: []string{"speaker-a"},
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return p
}

func TestGetUserMedia_DefaultsToFirstDevice(t *testing.T) {
	p := newTestPlatform(t)

	stream, err := p.GetUserMedia(context.Background(), media.Constraints{Audio: true, Video: true})

	require.NoError(t, err)
	audio, ok := stream.First(media.KindAudio)
	require.True(t, ok)
	assert.Equal(t, "mic-a", audio.DeviceID())
	video, ok := stream.First(media.KindVideo)
	require.True(t, ok)
	assert.Equal(t, "cam-a", video.DeviceID())
}

func TestGetUserMedia_RequestedDevice(t *testing.T) {
	p := newTestPlatform(t)

	stream, err := p.GetUserMedia(context.Background(), media.Constraints{Audio: true, AudioDeviceID: "mic-b"})

	require.NoError(t, err)
	audio, _ := stream.First(media.KindAudio)
	assert.Equal(t, "mic-b", audio.DeviceID())
	assert.Empty(t, stream.TracksOf(media.KindVideo))
}

func TestGetUserMedia_Errors(t *testing.T) {
	p := newTestPlatform(t)

	_, err := p.GetUserMedia(context.Background(), media.Constraints{Audio: true, AudioDeviceID: "missing"})
	assert.ErrorContains(t, err, "not found")

	_, err = p.GetUserMedia(context.Background(), media.Constraints{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.GetUserMedia(ctx, media.Constraints{Audio: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnumerateDevices(t *testing.T) {
	p := newTestPlatform(t)

	devices, err := p.EnumerateDevices(context.Background())

	require.NoError(t, err)
	assert.Len(t, devices, 4)
	assert.Equal(t, media.DeviceAudioOutput, devices[3].Kind)

	empty, err := NewPlatform(Config{})
	require.NoError(t, err)
	_, err = empty.EnumerateDevices(context.Background())
	assert.Error(t, err)
}

func TestLocalTrack_EndFiresOnceAndStopDoesNot(t *testing.T) {
	track, err := newLocalTrack(media.KindVideo, ScreenDeviceID, "stream")
	require.NoError(t, err)

	ended := 0
	track.OnEnded(func() { ended++ })

	track.End()
	track.End()
	assert.Equal(t, 1, ended)
	assert.True(t, track.Stopped())

	other, err := newLocalTrack(media.KindAudio, "mic-a", "stream")
	require.NoError(t, err)
	other.OnEnded(func() { ended++ })
	other.Stop()
	assert.Equal(t, 1, ended)
}

func TestPeerConnection_OfferCarriesTracksAndEncoding(t *testing.T) {
	p := newTestPlatform(t)
	stream, err := p.GetUserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	pc, err := p.NewPeerConnection()
	require.NoError(t, err)
	defer pc.Close()

	for _, track := range stream.Tracks() {
		_, err := pc.AddTrack(track)
		require.NoError(t, err)
	}
	dc, err := pc.CreateDataChannel("call-control", media.DataChannelOptions{Ordered: true, MaxPacketLifeTime: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "call-control", dc.Label())
	assert.False(t, dc.IsOpen())

	offer, err := pc.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))
	assert.True(t, strings.Contains(offer.SDP, "m=video"))

	var video media.Sender
	for _, s := range pc.Senders() {
		if s.Track().Kind() == media.KindVideo {
			video = s
		}
	}
	require.NotNil(t, video)
	params := media.EncodingParameters{ScaleResolutionDownBy: 2, MaxBitrate: 150000, MaxFramerate: 15}
	require.NoError(t, video.SetParameters(params))
	assert.Equal(t, params, video.Track().(*LocalTrack).Encoding())
}

func TestSources_StopWithTrack(t *testing.T) {
	started := make(chan string, 1)
	stopped := make(chan struct{})
	p, err := NewPlatform(Config{
		AudioInputs: []string{"mic-a"},
		Sources: func(kind media.Kind, deviceID string) SampleSource {
			return SourceFunc(func(ctx context.Context, track *LocalTrack) error {
				started <- deviceID
				<-ctx.Done()
				close(stopped)
				return nil
			})
		},
	})
	require.NoError(t, err)

	stream, err := p.GetUserMedia(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)
	audio, _ := stream.First(media.KindAudio)
	ended := make(chan struct{}, 1)
	audio.OnEnded(func() { ended <- struct{}{} })

	select {
	case id := <-started:
		assert.Equal(t, "mic-a", id)
	case <-time.After(time.Second):
		t.Fatal("source was not started")
	}

	stream.Stop()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("source was not cancelled")
	}
	assert.Empty(t, ended, "stopping is not an unexpected end")
}

func TestSources_ReturningSourceEndsTrack(t *testing.T) {
	release := make(chan struct{})
	p, err := NewPlatform(Config{
		Sources: func(kind media.Kind, deviceID string) SampleSource {
			return SourceFunc(func(ctx context.Context, track *LocalTrack) error {
				<-release
				return nil
			})
		},
	})
	require.NoError(t, err)

	stream, err := p.GetDisplayMedia(context.Background())
	require.NoError(t, err)
	screen, _ := stream.First(media.KindVideo)
	ended := make(chan struct{}, 1)
	screen.OnEnded(func() { ended <- struct{}{} })

	close(release)
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("track did not end with its source")
	}
	assert.True(t, screen.(*LocalTrack).Stopped())
}

func TestSilenceSources(t *testing.T) {
	assert.NotNil(t, SilenceSources(media.KindAudio, "mic-a"))
	assert.Nil(t, SilenceSources(media.KindVideo, "cam-a"))

	track, err := newLocalTrack(media.KindAudio, "mic-a", "stream")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, NewFrameSource(opusSilence, 5*time.Millisecond).Run(ctx, track))
}
