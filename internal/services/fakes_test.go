package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"tradesight_go_backend/internal/models"

	"github.com/google/uuid"
)

type memoryUsageStore struct {
	mu        sync.Mutex
	users     map[uuid.UUID]*models.User
	records   []models.UsageRecord
	settleErr error
}

func newMemoryUsageStore() *memoryUsageStore {
	return &memoryUsageStore{users: make(map[uuid.UUID]*models.User)}
}

func (m *memoryUsageStore) addUser(tokens int64) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.users[id] = &models.User{ID: id, FirebaseUID: id.String(), Tokens: tokens}
	return id
}

func (m *memoryUsageStore) tokens(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].Tokens
}

func (m *memoryUsageStore) ReserveTokens(_ context.Context, userID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if u.Tokens < amount {
		return &InsufficientTokensError{Required: amount, Available: u.Tokens}
	}
	u.Tokens -= amount
	return nil
}

func (m *memoryUsageStore) ReleaseTokens(_ context.Context, userID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Tokens += amount
	return nil
}

func (m *memoryUsageStore) SettleUsage(_ context.Context, userID uuid.UUID, reserved int64, record *models.UsageRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return 0, m.settleErr
	}
	u, ok := m.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}

	var uncollected int64
	tokens := u.Tokens + reserved - record.TokensUsed
	if tokens < 0 {
		uncollected = -tokens
		tokens = 0
		record.Metadata["uncollected_tokens"] = uncollected
	}
	u.Tokens = tokens
	u.TotalTokensUsed += record.TokensUsed
	u.LastTokenUsage = models.TokenUsageSummary{
		Timestamp: record.Timestamp,
		Amount:    record.TokensUsed,
		Feature:   record.Feature,
		Model:     record.Model,
	}
	m.records = append(m.records, *record)
	return uncollected, nil
}

func (m *memoryUsageStore) CreditTokens(_ context.Context, userID uuid.UUID, amount int64) (models.UserBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return models.UserBalance{}, ErrUserNotFound
	}
	u.Tokens += amount
	return u.Balance(), nil
}

func (m *memoryUsageStore) GetBalance(_ context.Context, userID uuid.UUID) (models.UserBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return models.UserBalance{}, ErrUserNotFound
	}
	return u.Balance(), nil
}

func (m *memoryUsageStore) ListUsage(_ context.Context, userID uuid.UUID, sinceMillis int64) ([]models.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UsageRecord
	for _, r := range m.records {
		if r.UserID == userID && r.Timestamp >= sinceMillis {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	msgs   []interface{}
}

func (p *recordingPublisher) Publish(topic string, msg interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) last() (string, interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.topics) == 0 {
		return "", nil
	}
	return p.topics[len(p.topics)-1], p.msgs[len(p.msgs)-1]
}

type memoryChatStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.ChatSession
	messages map[uuid.UUID][]models.ChatMessage
	// findErrs are returned, in order, by FindActiveSessions before it succeeds.
	findErrs []error
	finds    int
}

func newMemoryChatStore() *memoryChatStore {
	return &memoryChatStore{
		sessions: make(map[uuid.UUID]*models.ChatSession),
		messages: make(map[uuid.UUID][]models.ChatMessage),
	}
}

func (m *memoryChatStore) FindActiveSessions(_ context.Context, userID uuid.UUID) ([]models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	if len(m.findErrs) > 0 {
		err := m.findErrs[0]
		m.findErrs = m.findErrs[1:]
		return nil, err
	}
	var out []models.ChatSession
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == models.ChatSessionActive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *memoryChatStore) FindStaleSessions(_ context.Context, cutoff time.Time) ([]models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChatSession
	for _, s := range m.sessions {
		if s.Status != models.ChatSessionClosed && s.StartedAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memoryChatStore) CreateSession(_ context.Context, session *models.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *session
	m.sessions[s.ID] = &s
	return nil
}

func (m *memoryChatStore) GetSession(_ context.Context, sessionID uuid.UUID) (*models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *s
	return &out, nil
}

func (m *memoryChatStore) CloseSession(_ context.Context, sessionID uuid.UUID, endedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.Status == models.ChatSessionClosed {
		return false, nil
	}
	s.Status = models.ChatSessionClosed
	s.EndedAt = &endedAt
	return true, nil
}

func (m *memoryChatStore) AppendMessage(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	ts := msg.Timestamp
	s.LastMessageAt = &ts
	if msg.Sender != models.SenderAgent {
		s.LastUserMessageAt = &ts
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

func (m *memoryChatStore) ListMessages(_ context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ChatMessage, len(m.messages[sessionID]))
	for i, msg := range m.messages[sessionID] {
		out[i] = msg
		out[i].ReadBy = map[string]interface{}{}
		for k, v := range msg.ReadBy {
			out[i].ReadBy[k] = v
		}
	}
	return out, nil
}

func (m *memoryChatStore) UpdateMessageState(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, stored := range m.messages[msg.SessionID] {
		if stored.ID == msg.ID {
			m.messages[msg.SessionID][i].Status = msg.Status
			m.messages[msg.SessionID][i].ReadBy = msg.ReadBy
			return nil
		}
	}
	return errors.New("message not found")
}

type memoryChartStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	uploads   int
}

func newMemoryChartStore() *memoryChartStore {
	return &memoryChartStore{objects: make(map[string][]byte)}
}

func (m *memoryChartStore) UploadChart(_ context.Context, userID string, content []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.uploads++
	path := ChartPath(userID, time.Now())
	m.objects[path] = content
	return path, nil
}

func (m *memoryChartStore) DownloadChart(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[path]
	if !ok {
		return nil, ErrChartNotFound
	}
	return content, nil
}

func (m *memoryChartStore) DeleteChart(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memoryChartStore) ListCharts(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for path := range m.objects {
		if strings.HasPrefix(path, chartPrefix(userID)) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *memoryChartStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type memoryAnalysisHistory struct {
	mu      sync.Mutex
	entries []models.AnalysisHistory
}

func (m *memoryAnalysisHistory) SaveAnalysis(_ context.Context, entry *models.AnalysisHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryAnalysisHistory) ListAnalyses(_ context.Context, userID uuid.UUID, limit int) ([]models.AnalysisHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnalysisHistory
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *memoryAnalysisHistory) GetAnalysis(_ context.Context, userID, id uuid.UUID) (*models.AnalysisHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id && e.UserID == userID {
			out := e
			return &out, nil
		}
	}
	return nil, ErrAnalysisNotFound
}

type memoryUserStore struct {
	mu        sync.Mutex
	users     map[string]*models.User
	purchases map[string]models.PurchaseHistory
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{users: make(map[string]*models.User), purchases: make(map[string]models.PurchaseHistory)}
}

func (m *memoryUserStore) GetOrCreateUser(_ context.Context, firebaseUID, email, name string, initialTokens int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[firebaseUID]; ok {
		out := *u
		return &out, nil
	}
	u := &models.User{ID: uuid.New(), FirebaseUID: firebaseUID, Email: email, Name: name, Tokens: initialTokens}
	m.users[firebaseUID] = u
	out := *u
	return &out, nil
}

func (m *memoryUserStore) GetUserByFirebaseUID(_ context.Context, firebaseUID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[firebaseUID]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (m *memoryUserStore) byID(userID uuid.UUID) *models.User {
	for _, u := range m.users {
		if u.ID == userID {
			return u
		}
	}
	return nil
}

func (m *memoryUserStore) SetStripeCustomerID(_ context.Context, userID uuid.UUID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.byID(userID)
	if u == nil {
		return ErrUserNotFound
	}
	u.StripeCustomerID = customerID
	return nil
}

func (m *memoryUserStore) RecordPurchase(_ context.Context, purchase *models.PurchaseHistory) (models.UserBalance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.byID(purchase.UserID)
	if u == nil {
		return models.UserBalance{}, false, ErrUserNotFound
	}
	if _, ok := m.purchases[purchase.StripeSessionID]; ok {
		return u.Balance(), false, nil
	}
	m.purchases[purchase.StripeSessionID] = *purchase
	u.Tokens += purchase.TokensCredited
	return u.Balance(), true, nil
}

func (m *memoryUserStore) ListPurchases(_ context.Context, userID uuid.UUID) ([]models.PurchaseHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PurchaseHistory
	for _, p := range m.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}
