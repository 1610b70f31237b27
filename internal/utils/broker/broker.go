// broker/broker.go
package broker

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 16

func ChatMessagesTopic(sessionID string) string {
	return "chat_messages_" + sessionID
}

func ChatSessionTopic(sessionID string) string {
	return "chat_session_" + sessionID
}

func CreditUpdateTopic(userID string) string {
	return "credit_update_" + userID
}

type Broker struct {
	subscribers map[string][]chan interface{}
	mu          sync.RWMutex
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string][]chan interface{}),
	}
}

// Subscribe returns a channel receiving every message published to topic and a func
// that detaches it. Calling the func more than once is safe.
func (b *Broker) Subscribe(topic string) (<-chan interface{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan interface{}, subscriberBuffer)
	b.subscribers[topic] = append(b.subscribers[topic], ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.Unsubscribe(topic, ch) })
	}
}

func (b *Broker) Unsubscribe(topic string, ch <-chan interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if chans, ok := b.subscribers[topic]; ok {
		for i, c := range chans {
			if c == ch {
				b.subscribers[topic] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
		if len(b.subscribers[topic]) == 0 {
			delete(b.subscribers, topic)
		}
	}
}

// Publish never blocks; a subscriber whose buffer is full misses the message.
func (b *Broker) Publish(topic string, msg interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if chans, ok := b.subscribers[topic]; ok {
		for _, ch := range chans {
			select {
			case ch <- msg:
			default:
				log.Warn().Str("topic", topic).Msg("Subscriber buffer full, dropping message")
			}
		}
	}
}

func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
