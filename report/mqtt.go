package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	mqtt "github.com/soypat/natiu-mqtt"
)

// Publisher sends CBOR encoded reports to an MQTT broker with QoS0.
type Publisher struct {
	client *mqtt.Client
	conn   io.ReadWriteCloser
	flags  mqtt.PacketFlags
	vp     mqtt.VariablesPublish
	logger *slog.Logger
}

// Dial connects to the broker at addr (host:port) and performs the MQTT
// handshake.
func Dial(ctx context.Context, addr, clientID, topic string, logger *slog.Logger) (*Publisher, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	p, err := NewPublisher(ctx, conn, clientID, topic, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// NewPublisher performs the MQTT handshake over rwc. The Publisher owns rwc
// after a successful call.
func NewPublisher(ctx context.Context, rwc io.ReadWriteCloser, clientID, topic string, logger *slog.Logger) (*Publisher, error) {
	if topic == "" {
		return nil, errors.New("report: empty MQTT topic")
	}
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		return nil, err
	}
	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1024)},
		OnPub: func(_ mqtt.Header, vp mqtt.VariablesPublish, r io.Reader) error {
			return nil
		},
	})
	var vc mqtt.VariablesConnect
	vc.SetDefaultMQTT([]byte(clientID))
	err = client.Connect(ctx, rwc, &vc)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		client: client,
		conn:   rwc,
		flags:  flags,
		vp:     mqtt.VariablesPublish{TopicName: []byte(topic)},
		logger: logger,
	}
	p.info("mqtt:connected", slog.String("client", clientID), slog.String("topic", topic))
	return p, nil
}

// Publish encodes r as CBOR and publishes it.
func (p *Publisher) Publish(r *Report) error {
	payload, err := Marshal(r)
	if err != nil {
		return err
	}
	p.vp.PacketIdentifier++
	err = p.client.PublishPayload(p.flags, p.vp, payload)
	if err != nil {
		p.logerr("mqtt:publish-failed", slog.String("reason", err.Error()))
		return err
	}
	p.info("mqtt:published", slog.String("run", r.RunID), slog.Int("bytes", len(payload)))
	return nil
}

// Close sends DISCONNECT and closes the connection.
func (p *Publisher) Close() error {
	err := p.client.Disconnect(errors.New("report: publisher closed"))
	cerr := p.conn.Close()
	if err != nil {
		return err
	}
	return cerr
}

func (p *Publisher) info(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelInfo, msg, attrs...)
}

func (p *Publisher) logerr(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelError, msg, attrs...)
}

func (p *Publisher) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	p.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
