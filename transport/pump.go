// Package transport carries wire.ProtocolMessage frames between a
// completed noisechan.Channel and the per-peer Channels a Listener hands
// back from Subscribe, until the connection fails or the session ends.
//
// Grounded on the teacher's goroutine-per-connection read pump idiom
// (net/conn.go's reader/writer split guarded by its own lifecycle), here
// split into one reader and one writer goroutine per peer connection.
package transport

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/silvanus-network/tss-node/listener"
	"github.com/silvanus-network/tss-node/noisechan"
	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/wire"
)

// Pump runs a peer connection's read and write loops until either fails,
// then closes ch and returns. Callers run it in its own goroutine per
// accepted or dialed connection; it blocks for the connection's whole
// lifetime.
func Pump(ctx context.Context, ch *noisechan.Channel, peer party.ID, chans listener.Channels) {
	logger := logrus.WithFields(logrus.Fields{"component": "transport", "peer": peer.String()})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel() // a failed read also ends the write loop
		readLoop(ctx, ch, peer, chans.InboundTx, logger)
	}()

	writeLoop(ctx, ch, peer, chans.BroadcastRx, logger)

	ch.Close()
	<-done
}

// readLoop decodes ProtocolMessage frames off ch and forwards them into
// the session's shared inbound channel. A malformed frame is dropped and
// logged rather than killing the connection; a transport-level read
// failure (closed socket, bad ciphertext) ends the loop.
func readLoop(ctx context.Context, ch *noisechan.Channel, peer party.ID, inbound chan<- wire.ProtocolMessage, logger *logrus.Entry) {
	for {
		frame, err := ch.Recv()
		if err != nil {
			logger.WithError(err).Debug("transport: read loop ending")
			return
		}
		msg, err := wire.UnmarshalProtocolMessage(frame)
		if err != nil {
			logger.WithError(err).Warn("transport: dropping malformed frame")
			continue
		}
		if !msg.From.Equal(peer) {
			// peer's channel identity was already bound to peer at
			// subscribe time (signature over the session digest, static
			// key match); a frame claiming a different From on that same
			// channel is a forged sender, not a routing mistake.
			logger.WithField("claimed_from", msg.From.String()).Warn("transport: dropping frame with spoofed sender")
			continue
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop forwards broadcast traffic addressed to peer (or to
// everyone) out over ch. It exits when the broadcast channel closes
// (session done or peer removed) or ctx is cancelled.
func writeLoop(ctx context.Context, ch *noisechan.Channel, peer party.ID, broadcast <-chan wire.ProtocolMessage, logger *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-broadcast:
			if !ok {
				return
			}
			if msg.To != nil && !msg.To.Equal(peer) {
				continue
			}
			frame, err := msg.Marshal()
			if err != nil {
				logger.WithError(err).Warn("transport: marshal outbound frame")
				continue
			}
			if err := ch.Send(frame); err != nil {
				logger.WithError(err).Debug("transport: write loop ending")
				return
			}
		}
	}
}
