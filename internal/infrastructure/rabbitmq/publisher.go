package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/infrastructure/notify"
)

type dialFunc func(url string) (*amqp.Connection, error)

// Publisher は予約イベントを RabbitMQ の永続キューへ発行する Notifier
type Publisher struct {
	url   string
	queue string
	dial  dialFunc

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect はブローカーへ接続し、キューを宣言する
func Connect(url, queue string) (*Publisher, error) {
	p := &Publisher{url: url, queue: queue, dial: amqp.Dial}
	if err := p.reconnect(); err != nil {
		return nil, err
	}
	return p, nil
}

// reconnect は接続を張り直してチャネルを開く
// ブローカーの再起動で接続ごと閉じられた場合に使う
func (p *Publisher) reconnect() error {
	if p.conn != nil {
		p.conn.Close()
		p.conn, p.ch = nil, nil
	}
	conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("RabbitMQ接続に失敗しました: %w", err)
	}
	p.conn = conn
	if err := p.openChannel(); err != nil {
		conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

func (p *Publisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("チャネル作成に失敗: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("キュー宣言に失敗: %w", err)
	}
	p.ch = ch
	return nil
}

// Notify はイベントを永続メッセージとして発行する
// 接続やチャネルが閉じている場合は張り直して送る（失敗時の再試行は呼び出し側が行う）
func (p *Publisher) Notify(ctx context.Context, event reservation.Event, r *reservation.Reservation) error {
	msg, err := newPublishing(event, r)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.conn == nil || p.conn.IsClosed():
		if err := p.reconnect(); err != nil {
			return err
		}
	case p.ch == nil || p.ch.IsClosed():
		if err := p.openChannel(); err != nil {
			return err
		}
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("メッセージ発行に失敗: %w", err)
	}
	return nil
}

func newPublishing(event reservation.Event, r *reservation.Reservation) (amqp.Publishing, error) {
	body, err := json.Marshal(notify.NewMessage(event, r))
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("メッセージのエンコードに失敗: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    r.ID + ":" + string(event),
		Type:         string(event),
		Timestamp:    r.UpdatedAt,
		Headers: amqp.Table{
			"reservation_id": r.ID,
			"provider_id":    r.Resource.ProviderID,
		},
		Body: body,
	}, nil
}

// Close はチャネルと接続を閉じる
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

var _ reservation.Notifier = (*Publisher)(nil)
