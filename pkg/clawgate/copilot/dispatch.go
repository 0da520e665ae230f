package copilot

import (
	"context"
	"sync"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// Inbound is the message stream Run consumes. *channels.Manager
// satisfies it.
type Inbound interface {
	Sender
	Messages() <-chan *channels.IncomingMessage
	SendTyping(ctx context.Context, channelName, chatID string)
}

// Run answers messages from in until ctx is done or the stream closes.
// Messages from one sender are handled in arrival order; different
// senders are handled concurrently. Run waits for in-flight messages
// before returning.
func (a *Assistant) Run(ctx context.Context, in Inbound) error {
	a.SetSender(in)
	d := newDispatcher(func(msg *channels.IncomingMessage) {
		a.serve(ctx, in, msg)
	})
	defer d.wait()

	a.logger.Info("assistant running", "name", a.cfg.Name, "model", a.cfg.Provider.Model)
	messages := in.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			d.submit(msg)
		}
	}
}

func (a *Assistant) serve(ctx context.Context, in Inbound, msg *channels.IncomingMessage) {
	in.SendTyping(ctx, msg.Channel, msg.ChatID)

	reply := a.HandleMessage(ctx, msg)
	a.metrics.Message(msg.Channel, reply.Kind.String())
	if reply.Text == "" {
		return
	}

	out := &channels.OutgoingMessage{Content: reply.Text, ReplyTo: msg.ID}
	if err := in.Send(ctx, msg.Channel, msg.ChatID, out); err != nil {
		a.logger.Error("sending reply failed",
			"channel", msg.Channel,
			"chat", msg.ChatID,
			"error", err,
		)
	}
}

// dispatcher runs one FIFO queue per sender, drained by a goroutine that
// lives only while the queue is non-empty.
type dispatcher struct {
	handle func(*channels.IncomingMessage)

	mu     sync.Mutex
	queues map[string][]*channels.IncomingMessage
	wg     sync.WaitGroup
}

func newDispatcher(handle func(*channels.IncomingMessage)) *dispatcher {
	return &dispatcher{
		handle: handle,
		queues: make(map[string][]*channels.IncomingMessage),
	}
}

func dispatchKey(msg *channels.IncomingMessage) string {
	return msg.Channel + ":" + msg.From
}

func (d *dispatcher) submit(msg *channels.IncomingMessage) {
	key := dispatchKey(msg)

	d.mu.Lock()
	q, draining := d.queues[key]
	d.queues[key] = append(q, msg)
	if !draining {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if !draining {
		go d.drain(key)
	}
}

func (d *dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		msg := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.handle(msg)
	}
}

func (d *dispatcher) wait() {
	d.wg.Wait()
}
