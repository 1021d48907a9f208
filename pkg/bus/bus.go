// Package bus implements the in-process message transport that
// connects the manager to every adapter. The original gateway used a
// local datagram socket per adapter; this redesign keeps the same
// addressed-mailbox, single send/recv-call semantics but carries typed
// Go values over a channel instead of a wire frame, since no protobuf
// toolchain is available to generate a codec.
package bus

import (
	"fmt"
	"sync"

	"github.com/cuemby/fieldbus/pkg/log"
)

// mailboxCapacity bounds each address's inbound queue. A send to a
// full mailbox fails synchronously rather than blocking, matching the
// original's "best-effort, no retry at the bus layer" delivery policy.
const mailboxCapacity = 256

// Mailbox is the receive side of an address's queue.
type Mailbox <-chan *Message

// Bus is an in-process router keyed by adapter/manager name. Per
// sender→receiver pair, delivery preserves FIFO order because each
// receiver has exactly one channel and Go channels are FIFO; ordering
// across distinct senders to the same receiver is undefined, matching
// the original datagram-socket transport.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string]chan *Message
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		mailboxes: make(map[string]chan *Message),
	}
}

// Register creates an address's mailbox and returns its receive side.
// Registering an address twice is an error; callers must Unregister
// first.
func (b *Bus) Register(addr string) (Mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.mailboxes[addr]; exists {
		return nil, fmt.Errorf("bus: address %q already registered", addr)
	}
	ch := make(chan *Message, mailboxCapacity)
	b.mailboxes[addr] = ch
	return ch, nil
}

// Unregister removes an address and closes its mailbox. Any message
// already queued for it is dropped.
func (b *Bus) Unregister(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.mailboxes[addr]; ok {
		delete(b.mailboxes, addr)
		close(ch)
	}
}

// Send delivers msg to msg.Header.Receiver. It returns an error
// synchronously if the receiver isn't registered or its mailbox is
// full; there is no retry or blocking wait, matching the bus's
// best-effort delivery contract.
func (b *Bus) Send(msg *Message) error {
	b.mu.RLock()
	ch, ok := b.mailboxes[msg.Header.Receiver]
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("bus: no such address %q", msg.Header.Receiver)
	}

	select {
	case ch <- msg:
		return nil
	default:
		log.WithComponent("bus").Warn().
			Str("sender", msg.Header.Sender).
			Str("receiver", msg.Header.Receiver).
			Str("type", string(msg.Header.Type)).
			Msg("mailbox full, message dropped")
		return fmt.Errorf("bus: mailbox %q full", msg.Header.Receiver)
	}
}

// Reply is a convenience for responding to a request: it swaps sender
// and receiver and echoes the original Ctx, then sends.
func (b *Bus) Reply(req *Message, respType MsgType, body any) error {
	resp := &Message{
		Header: Header{
			Ctx:      req.Header.Ctx,
			Type:     respType,
			Sender:   req.Header.Receiver,
			Receiver: req.Header.Sender,
		},
		Body: body,
	}
	return b.Send(resp)
}

// Forward re-targets msg to a new receiver, setting sender to
// "manager" per the forwarding rule: no header rewriting beyond the
// name fields.
func (b *Bus) Forward(msg *Message, receiver string) error {
	msg.Header.Sender = "manager"
	msg.Header.Receiver = receiver
	return b.Send(msg)
}

// Addresses returns the currently registered address names, for
// diagnostics and tests.
func (b *Bus) Addresses() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	addrs := make([]string, 0, len(b.mailboxes))
	for a := range b.mailboxes {
		addrs = append(addrs, a)
	}
	return addrs
}
