package callback

import (
	"log/slog"

	"github.com/kubewarden/k8s-context-cache/pkg/k8s/cache"
)

// DefaultChannelBufferSize is the request queue's default capacity.
const DefaultChannelBufferSize = 100

// Builder assembles a Handler. NewBuilder followed by Build is sufficient;
// ChannelBufferSize and Logger are optional.
type Builder struct {
	client            *cache.Client
	channelBufferSize int
	logger            *slog.Logger
}

// NewBuilder starts building a Handler bound to client.
func NewBuilder(client *cache.Client) *Builder {
	return &Builder{
		client:            client,
		channelBufferSize: DefaultChannelBufferSize,
	}
}

// ChannelBufferSize overrides the request queue's capacity.
func (b *Builder) ChannelBufferSize(size int) *Builder {
	b.channelBufferSize = size
	return b
}

// Logger sets the logger used for request tracing. A nil logger falls back
// to slog.Default().
func (b *Builder) Logger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Build constructs the Handler. The caller is responsible for starting
// Handler.Run in its own goroutine.
func (b *Builder) Build() *Handler {
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		client: b.client,
		logger: logger,
		queue:  make(chan envelope, b.channelBufferSize),
	}
}
