package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicecore/internal/domain"
)

// Worker is one media-processing unit. It hosts routers and reports its
// own death on Died; a dead worker is never reused.
type Worker interface {
	ID() int
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	RouterCount() int
	// Died delivers at most one error, when the worker dies on its own.
	// A deliberate Close does not report on Died.
	Died() <-chan error
	Close() error
}

type RouterOptions struct {
	Room domain.RoomName
}

// Router is one routing context, scoped to exactly one room.
type Router interface {
	ID() string
	WorkerID() int
	// Capabilities lists the codecs producers and consumers can negotiate.
	Capabilities() []webrtc.RTPCodecCapability
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	// Close closes every transport the router created.
	Close()
	Closed() bool
}

type ListenAddress struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

type TransportOptions struct {
	Direction              domain.Direction
	ListenAddresses        []ListenAddress
	EnableUDP              bool
	EnableTCP              bool
	InitialOutgoingBitrate int
}

// TransportOverrides lets a call site replace individual policy defaults,
// e.g. force TCP-only for a restrictive network.
type TransportOverrides struct {
	ListenAddresses        []ListenAddress
	EnableUDP              *bool
	EnableTCP              *bool
	InitialOutgoingBitrate *int
}

// Transport is a media-plane endpoint in a single direction.
type Transport interface {
	ID() string
	Direction() domain.Direction
	// Connect applies the remote description. For an offer it returns the
	// local answer; for an answer it returns nil.
	Connect(ctx context.Context, remote webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// Produce registers an outgoing track on a send transport.
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	// Consume subscribes a recv transport to a producer and returns the
	// renegotiation offer the client has to answer.
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, *webrtc.SessionDescription, error)
	Close()
}

type ProduceOptions struct {
	Kind    domain.MediaKind
	TrackID string
	AppData map[string]any
}

type ConsumeOptions struct {
	Producer Producer
	// Capabilities are the receiving client's codecs; empty means accept
	// whatever the producer sends.
	Capabilities []webrtc.RTPCodecCapability
	Paused       bool
	AppData      map[string]any
}

// Producer is one outgoing media track. A paused producer stays
// registered but forwards nothing.
type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Codec() webrtc.RTPCodecCapability
	Paused() bool
	Pause()
	Resume()
	Close()
}

// Consumer is one subscription to another participant's producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	Paused() bool
	ProducerPaused() bool
	Pause()
	Resume()
	Close()
}
