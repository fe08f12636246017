// Package kafka publishes sync lifecycle events to downstream consumers.
// Delivery is best effort, the outbox in postgres remains the source of
// truth.
package kafka

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"

	"github.com/Leafline/compliance-sync/e"
)

const (
	ECode070101 = e.Code0701 + "01"
	ECode070102 = e.Code0701 + "02"
	ECode070103 = e.Code0701 + "03"
	ECode070104 = e.Code0701 + "04"
	ECode070105 = e.Code0701 + "05"
	ECode070106 = e.Code0701 + "06"
	ECode070107 = e.Code0701 + "07"
	ECode070108 = e.Code0701 + "08"
	ECode070109 = e.Code0701 + "09"
	ECode07010A = e.Code0701 + "0A"
)

// ConnectionConfig for NewConn
type ConnectionConfig struct {
	AddressList   []string
	Context       context.Context
	NoTLS         bool
	SASLMechanism sasl.Mechanism
	Timeout       *time.Duration
	TLS           *tls.Config
}

// Connection a kafka connection with pre-initialized address list, dialer,
// transport and SASL mechanism
type Connection struct {
	Context context.Context

	addressList   []string
	conn          *kafka.Conn
	dialer        *kafka.Dialer
	saslMechanism sasl.Mechanism
	transport     *kafka.Transport
}

// NewConn create a new kafka connection
func NewConn(conf ConnectionConfig) (c *Connection, err error) {
	if len(conf.AddressList) == 0 {
		return nil, e.N(ECode070101, "no address")
	}

	c = &Connection{
		addressList: conf.AddressList,
	}

	if conf.Context != nil {
		c.Context = conf.Context
	} else {
		c.Context = context.TODO()
	}

	if conf.SASLMechanism != nil {
		c.saslMechanism = conf.SASLMechanism

		dialer := &kafka.Dialer{
			DualStack: true,
			Timeout:   10 * time.Second,
		}
		transport := &kafka.Transport{}

		if conf.Timeout != nil {
			dialer.Timeout = *conf.Timeout
		}
		if conf.TLS != nil {
			dialer.TLS = conf.TLS
			transport.TLS = conf.TLS
		} else if !conf.NoTLS {
			dialer.TLS = &tls.Config{}
			transport.TLS = &tls.Config{}
		}

		dialer.SASLMechanism = c.saslMechanism
		transport.SASL = c.saslMechanism

		c.dialer = dialer
		c.transport = transport
	} else {
		c.dialer = kafka.DefaultDialer
		c.transport = &kafka.Transport{}
	}

	if err := c.Connect(); err != nil {
		return c, e.W(err, ECode070102)
	}

	return c, nil
}

// Connect opens a connection to a random address in the list
func (c *Connection) Connect() (err error) {
	if c.conn != nil {
		return e.N(ECode070103, "already connected")
	}

	idx := rand.Intn(len(c.addressList))
	c.conn, err = c.dialer.DialContext(c.Context, "tcp", c.addressList[idx])
	if err != nil {
		return e.W(err, ECode070104)
	}

	return nil
}

// Close closes the connection
func (c *Connection) Close() (err error) {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return e.W(err, ECode070105)
		}

		c.conn = nil
	}

	return nil
}

// Reconnect closes and reopens a connection
func (c *Connection) Reconnect() (err error) {
	if err := c.Close(); err != nil {
		return e.W(err, ECode070106)
	}

	if err := c.Connect(); err != nil {
		return e.W(err, ECode070107)
	}

	return nil
}

// CreateTopics creates topics using the associated dialer
func (c *Connection) CreateTopics(tcList ...kafka.TopicConfig) (err error) {
	broker, err := c.conn.Controller()
	if err != nil {
		return e.W(err, ECode070108)
	}

	cc, err := c.dialer.DialContext(context.TODO(), "tcp",
		net.JoinHostPort(broker.Host, strconv.Itoa(broker.Port)))
	if err != nil {
		return e.W(err, ECode070109)
	}
	defer func() {
		if err := cc.Close(); err != nil {
			log.Warn().Err(err).Msgf("[%s]failed to close connection", ECode07010A)
		}
	}()

	if err := cc.CreateTopics(tcList...); err != nil {
		return e.W(err, ECode07010A)
	}

	return nil
}

// NewWriter helper to return a new kafka writer using this connection's
// address list and transport
func (c *Connection) NewWriter(topic string) (w *kafka.Writer) {
	return &kafka.Writer{
		Addr:      kafka.TCP(c.addressList...),
		Topic:     topic,
		Transport: c.transport,
	}
}
