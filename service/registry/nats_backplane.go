package registry

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"relaychat/logger"
)

const broadcastSubject = "engine.broadcast"

type backplaneMsg struct {
	Origin     string   `json:"origin"`
	Identities []string `json:"identities"`
	Payload    []byte   `json:"payload"`
}

// NatsBackplane relays broadcasts between gateway nodes. Each node publishes
// to a shared subject and delivers inbound messages to its local connections,
// skipping its own publishes by node id.
type NatsBackplane struct {
	nc     *nats.Conn
	nodeID string
	sub    *nats.Subscription
}

func NewNatsBackplane(url, nodeID string, reg *Registry) (*NatsBackplane, error) {
	nc, err := nats.Connect(url,
		nats.Name("relaychat-"+nodeID),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b := &NatsBackplane{nc: nc, nodeID: nodeID}

	b.sub, err = nc.Subscribe(broadcastSubject, func(m *nats.Msg) {
		var env backplaneMsg
		if err := json.Unmarshal(m.Data, &env); err != nil {
			logger.Warnf("backplane: bad envelope: %v", err)
			return
		}
		if env.Origin == b.nodeID {
			return
		}
		for _, id := range env.Identities {
			reg.DeliverLocal(id, env.Payload)
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return b, nil
}

func (b *NatsBackplane) Publish(identities []string, payload []byte) error {
	env := backplaneMsg{Origin: b.nodeID, Identities: identities, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(broadcastSubject)
	msg.Data = data
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (b *NatsBackplane) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.nc.Close()
}
