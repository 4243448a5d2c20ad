package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

const MetadataSequenceNumber = "sequence_number"

// PublisherManager fans a payload out to every publisher registered for a
// topic. Each outgoing message carries a monotonically increasing sequence
// number in its metadata.
type PublisherManager struct {
	mu             sync.RWMutex
	publishers     map[string][]message.Publisher
	sequenceNumber uint64
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers[topic] = append(s.publishers[topic], pub)
}

// Publish serializes payload to JSON and hands it to all publishers. The
// first publish error is returned after every publisher has been tried.
func (s *PublisherManager) Publish(payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	seq := atomic.AddUint64(&s.sequenceNumber, 1) - 1

	s.mu.RLock()
	defer s.mu.RUnlock()

	var firstErr error
	for topic, pubs := range s.publishers {
		for _, pub := range pubs {
			msg := message.NewMessage(watermill.NewUUID(), b)
			msg.Metadata.Set(MetadataSequenceNumber, fmt.Sprintf("%d", seq))
			if err := pub.Publish(topic, msg); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *PublisherManager) PublishBlind(payload interface{}) {
	if err := s.Publish(payload); err != nil {
		log.Warn().Err(err).Msg("failed to publish")
	}
}
