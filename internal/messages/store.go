// Package messages persists inbound InterBBS mail and the local
// notification queue the door UI drains.
package messages

import (
	"strings"
	"sync"

	"github.com/anetonline/chesslink/internal/jsonfile"
	"github.com/anetonline/chesslink/pkg/wire"
)

// Broadcast notification targets. ALL reaches every local user; PENDING
// reaches whoever next resolves an unclaimed challenge.
const (
	TargetAll     = "ALL"
	TargetPending = "PENDING"
)

// Message is one stored InterBBS mail item. Field names match the
// messages.json layout shared with other AChess installations.
type Message struct {
	FromUser string `json:"from_user"`
	FromBBS  string `json:"from_bbs"`
	FromAddr string `json:"from_addr"`
	ToUser   string `json:"to_user"`
	ToBBS    string `json:"to_bbs"`
	ToAddr   string `json:"to_addr"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Created  string `json:"created"`
	Read     bool   `json:"read"`
}

// Store is the append-oriented message file.
type Store struct {
	mu   sync.Mutex
	path string
}

func Open(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Append(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []Message
	if err := jsonfile.Load(s.path, &msgs); err != nil {
		return err
	}
	if m.Created == "" {
		m.Created = wire.Now()
	}
	msgs = append(msgs, m)
	return jsonfile.Save(s.path, msgs)
}

func (s *Store) List() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []Message
	if err := jsonfile.Load(s.path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Reset clears the store (league reset).
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return jsonfile.Save(s.path, []Message{})
}

// Notification is one queued local notification. The UI marks it read.
type Notification struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Time    string `json:"time"`
	Read    bool   `json:"read"`
}

// Notifier appends notifications to achess_notify.json.
type Notifier struct {
	mu   sync.Mutex
	path string
}

func OpenNotifier(path string) *Notifier {
	return &Notifier{path: path}
}

// Notify queues a notification for target, which may be a user alias or one
// of the broadcast targets.
func (n *Notifier) Notify(target, subject, body string) error {
	if strings.TrimSpace(target) == "" {
		target = TargetAll
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var list []Notification
	if err := jsonfile.Load(n.path, &list); err != nil {
		return err
	}
	list = append(list, Notification{
		To:      target,
		Subject: subject,
		Body:    body,
		Time:    wire.Now(),
	})
	return jsonfile.Save(n.path, list)
}

func (n *Notifier) List() ([]Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var list []Notification
	if err := jsonfile.Load(n.path, &list); err != nil {
		return nil, err
	}
	return list, nil
}
