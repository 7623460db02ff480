package mesh

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Publisher publishes refined trajectories and run summaries to MQTT.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	log    logrus.FieldLogger
}

// TrajectoryMessage is the payload of <prefix>/trajectory.
type TrajectoryMessage struct {
	Timestamp int64        `json:"timestamp"`
	Poses     []PoseRecord `json:"poses"`
}

// SummaryMessage is the payload of <prefix>/summary.
type SummaryMessage struct {
	Timestamp   int64   `json:"timestamp"`
	Trajectory  string  `json:"trajectory"`
	Poses       int     `json:"poses"`
	Rounds      int     `json:"rounds"`
	InitialCost float64 `json:"initialCost"`
	FinalCost   float64 `json:"finalCost"`
	Improvement float64 `json:"improvement"`
	LoadMs      int64   `json:"loadMs"`
	OptMs       int64   `json:"optMs"`
}

// NewPublisher creates a publisher on prefix. An empty prefix becomes
// "voxmesh". If client is nil, every publish fails with "not connected".
func NewPublisher(client mqtt.Client, prefix string, logger logrus.FieldLogger) *Publisher {
	if prefix == "" {
		prefix = "voxmesh"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    0,
		retain: true,
		log:    orDiscard(logger),
	}
}

// PublishTrajectory publishes every pose of the refined window.
func (p *Publisher) PublishTrajectory(poses []Pose) error {
	return p.publish("trajectory", TrajectoryMessage{
		Timestamp: time.Now().Unix(),
		Poses:     PoseRecords(poses),
	})
}

// PublishSummary publishes the cost summary of a run.
func (p *Publisher) PublishSummary(r *Report) error {
	if r == nil {
		return errors.New("no report to publish")
	}
	return p.publish("summary", SummaryMessage{
		Timestamp:   r.GeneratedAt,
		Trajectory:  r.Trajectory,
		Poses:       r.Poses,
		Rounds:      len(r.Rounds),
		InitialCost: r.InitialCost,
		FinalCost:   r.FinalCost,
		Improvement: r.Improvement(),
		LoadMs:      r.LoadMs,
		OptMs:       r.OptMs,
	})
}

func (p *Publisher) publish(suffix string, message interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/%s", p.prefix, suffix)
	payload, err := json.Marshal(message)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", suffix)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing to %s", topic)
	}

	p.log.WithFields(logrus.Fields{
		"topic": topic,
		"bytes": len(payload),
	}).Debug("published")
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
