package bus

import (
	"context"
	"encoding/json"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/pkg/clob"
)

const relayTopic = "flipside-events"

// relayWire frames one envelope with its bus topic for transport.
type relayWire struct {
	Topic    string          `json:"topic"`
	Envelope json.RawMessage `json:"envelope"`
}

// RelayConfig configures the gossipsub event relay.
type RelayConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.Logger
}

// Relay mirrors the local bus over libp2p gossipsub so read-only gateway
// processes can serve subscribers without talking to the engine. Outbound:
// a bus tap feeds the gossip topic. Inbound: remote envelopes are injected
// into the local bus, bypassing taps to avoid echo.
type Relay struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	bus   *Bus
	log   *zap.Logger
}

func NewRelay(ctx context.Context, b *Bus, cfg RelayConfig) (*Relay, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	r := &Relay{h: h, ps: ps, bus: b, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := r.connect(ctx, bs); err != nil {
			r.log.Warn("bootstrap connect failed", zap.String("addr", bs), zap.Error(err))
		}
	}

	if r.topic, err = ps.Join(relayTopic); err != nil {
		h.Close()
		return nil, err
	}
	if r.sub, err = r.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	go r.outbound(ctx)
	go r.inbound(ctx)

	r.log.Info("event relay ready",
		zap.String("peer", h.ID().String()),
		zap.String("listen", cfg.ListenAddr))
	return r, nil
}

func (r *Relay) connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return r.h.Connect(ctx, *info)
}

// outbound drains a bus tap into the gossip topic.
func (r *Relay) outbound(ctx context.Context) {
	tap := r.bus.Tap()
	for env := range tap.C() {
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		data, err := json.Marshal(relayWire{Topic: topicOf(env), Envelope: raw})
		if err != nil {
			continue
		}
		if err := r.topic.Publish(ctx, data); err != nil {
			r.log.Warn("relay publish failed", zap.Error(err))
		}
	}
}

// inbound injects remote envelopes into the local bus.
func (r *Relay) inbound(ctx context.Context) {
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == r.h.ID() {
			continue
		}
		var w relayWire
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			continue
		}
		var env clob.Envelope
		if err := json.Unmarshal(w.Envelope, &env); err != nil {
			continue
		}
		r.bus.Inject(w.Topic, &env)
	}
}

// topicOf reconstructs the bus topic an envelope was published on.
func topicOf(env *clob.Envelope) string {
	switch env.Type {
	case clob.EvtTrade:
		return clob.TopicMarketTrades(env.MarketID)
	case clob.EvtBalanceUpdated:
		return clob.TopicUserBalance(env.UserID)
	case clob.EvtOrderCreated, clob.EvtOrderPartial, clob.EvtOrderFilled,
		clob.EvtOrderCancelled, clob.EvtSelfTradePrevented:
		return clob.TopicUserOrders(env.UserID)
	default:
		return clob.TopicMarketBook(env.MarketID)
	}
}

func (r *Relay) Close() error {
	r.sub.Cancel()
	return r.h.Close()
}
