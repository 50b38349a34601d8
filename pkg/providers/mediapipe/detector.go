package mediapipe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/signstream/pkg/adapters/detect"
	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/errorsx"
	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/resilience"
)

type Config struct {
	URL           string             `mapstructure:"url"`
	MinConfidence map[string]float64 `mapstructure:"min_confidence"`
	DialTimeoutMS int                `mapstructure:"dial_timeout_ms"`
	QueueSize     int                `mapstructure:"queue_size"`
	DialRetries   int                `mapstructure:"dial_retries"`
}

func (c Config) withDefaults() Config {
	if c.DialTimeoutMS <= 0 {
		c.DialTimeoutMS = 5000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4
	}
	return c
}

// Detector streams frames to a landmark sidecar over a websocket and
// receives one message per family and frame.
type Detector struct {
	cfg        Config
	thresholds detect.Thresholds
	conn       *websocket.Conn
	out        chan detect.Detection
	writeCh    chan []byte
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	wg         sync.WaitGroup
	closed     bool
}

type frameMessage struct {
	Type      string `json:"type"`
	FrameID   uint64 `json:"frame_id"`
	Timestamp int64  `json:"timestamp"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	MIME      string `json:"mime,omitempty"`
	Image     string `json:"image"`
}

type configMessage struct {
	Type          string             `json:"type"`
	MinConfidence map[string]float64 `json:"min_confidence,omitempty"`
}

type inboundMessage struct {
	Type       string            `json:"type"`
	FrameID    uint64            `json:"frame_id"`
	Family     string            `json:"family"`
	Timestamp  int64             `json:"timestamp"`
	Confidence *float64          `json:"confidence"`
	Points     []landmarks.Point `json:"points"`
	Message    string            `json:"message"`
}

func New(cfg Config) *Detector {
	cfg = cfg.withDefaults()
	th := detect.Thresholds{}
	for k, v := range cfg.MinConfidence {
		th[landmarks.Family(k)] = v
	}
	return &Detector{
		cfg:        cfg,
		thresholds: th,
		out:        make(chan detect.Detection, 64),
		writeCh:    make(chan []byte, cfg.QueueSize),
	}
}

func (d *Detector) Name() string { return "mediapipe" }

func (d *Detector) Start(ctx context.Context) error {
	if d.cfg.URL == "" {
		return errorsx.Wrap(errors.New("missing mediapipe url"), errorsx.ReasonDetectorConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: time.Duration(d.cfg.DialTimeoutMS) * time.Millisecond,
	}
	var conn *websocket.Conn
	err := resilience.NewRetryPolicy(d.cfg.DialRetries, 250*time.Millisecond).Do(d.ctx, func() error {
		c, _, err := dialer.DialContext(d.ctx, d.cfg.URL, nil)
		conn = c
		return err
	})
	if err != nil {
		slog.Error("failed to connect to landmark sidecar",
			slog.String("url", d.cfg.URL),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonDetectorConnect)
	}
	d.conn = conn
	slog.Info("connected to landmark sidecar", slog.String("url", d.cfg.URL))

	if len(d.cfg.MinConfidence) > 0 {
		b, err := json.Marshal(configMessage{Type: "config", MinConfidence: d.cfg.MinConfidence})
		if err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
	}
	d.wg.Add(2)
	go d.readLoop()
	go d.writeLoop()
	return nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	var err error
	if d.conn != nil {
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = d.conn.Close()
	}
	d.wg.Wait()
	close(d.out)
	return err
}

func (d *Detector) Send(frameID uint64, frame capture.Frame) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed || d.conn == nil {
		return errorsx.Wrap(errors.New("not connected"), errorsx.ReasonDetectorSend)
	}
	b, err := json.Marshal(frameMessage{
		Type:      "frame",
		FrameID:   frameID,
		Timestamp: frame.Timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
		MIME:      frame.MIME,
		Image:     base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDetectorSend)
	}
	select {
	case d.writeCh <- b:
		return nil
	default:
		return errorsx.Wrap(errors.New("detector send queue full"), errorsx.ReasonDetectorSend)
	}
}

func (d *Detector) Results() <-chan detect.Detection { return d.out }

func (d *Detector) writeLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case b := <-d.writeCh:
			d.mu.Lock()
			err := d.conn.WriteMessage(websocket.TextMessage, b)
			d.mu.Unlock()
			if err != nil {
				slog.Warn("landmark sidecar write failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (d *Detector) readLoop() {
	defer d.wg.Done()
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			if d.ctx.Err() == nil {
				slog.Error("landmark sidecar read loop error", slog.String("error", err.Error()))
			}
			return
		}
		det, ok := d.decode(data)
		if !ok {
			continue
		}
		select {
		case <-d.ctx.Done():
			return
		case d.out <- det:
		}
	}
}

func (d *Detector) decode(data []byte) (detect.Detection, bool) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("landmark sidecar raw data", "data", string(data))
		return detect.Detection{}, false
	}
	switch msg.Type {
	case "landmarks":
	case "error":
		slog.Warn("landmark sidecar error", slog.String("message", msg.Message))
		return detect.Detection{}, false
	default:
		slog.Debug("landmark sidecar message", slog.String("type", msg.Type))
		return detect.Detection{}, false
	}
	family := landmarks.Family(msg.Family)
	if !knownFamily(family) {
		slog.Debug("landmark sidecar unknown family", slog.String("family", msg.Family))
		return detect.Detection{}, false
	}
	det := detect.Detection{
		Family:     family,
		FrameID:    msg.FrameID,
		Timestamp:  msg.Timestamp,
		Confidence: 1,
	}
	if msg.Confidence != nil {
		det.Confidence = *msg.Confidence
	}
	if len(msg.Points) > 0 && det.Confidence >= d.thresholds[family] {
		det.Points = landmarks.Set(msg.Points)
	}
	return det, true
}

func knownFamily(f landmarks.Family) bool {
	for _, k := range landmarks.Families {
		if k == f {
			return true
		}
	}
	return false
}

var _ detect.Detector = (*Detector)(nil)
