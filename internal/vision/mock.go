package vision

import (
	"context"
	"sync"
)

// MockReply is one scripted response from MockClient.
type MockReply struct {
	Text string
	Err  error
}

// MockCall records the arguments of one AnalyzeImages or Chat call.
type MockCall struct {
	ImageCount   int
	SystemPrompt string
	UserPrompt   string
	Messages     []Message
}

// defaultMockAnalysis is returned once the script is exhausted.
const defaultMockAnalysis = `{"summary":"Mock analysis: steady freestyle with a slightly low head position.","need_more_frames":false,"frame_requests":[],"feedback":[{"timestamp_start":2.0,"timestamp_end":4.0,"category":"body_position","priority":"primary","observation":"Hips sit low in the water during the breath.","recommendation":"Press your chest down and keep one goggle in the water when breathing.","drills":["side kick","6-kick switch"]}],"strengths":[{"timestamp_start":0.0,"observation":"Relaxed, steady kick rhythm."}]}`

const defaultMockChat = "Keep working on the drills from your analysis; focus on one cue per length."

// MockClient is an in-memory Client that replays scripted replies. It is
// used by tests and by the "mock" provider for local development.
type MockClient struct {
	mu      sync.Mutex
	replies []MockReply
	calls   []MockCall
}

// NewMockClient returns a MockClient that answers AnalyzeImages calls with
// the given replies in order, then with a fixed default analysis.
func NewMockClient(replies ...MockReply) *MockClient {
	return &MockClient{replies: replies}
}

// AnalyzeImages records the call and returns the next scripted reply.
func (m *MockClient) AnalyzeImages(ctx context.Context, images [][]byte, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{ImageCount: len(images), SystemPrompt: systemPrompt, UserPrompt: userPrompt})
	return m.next(defaultMockAnalysis)
}

// Chat records the call and returns the next scripted reply.
func (m *MockClient) Chat(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]Message, len(messages))
	copy(copied, messages)
	m.calls = append(m.calls, MockCall{SystemPrompt: systemPrompt, Messages: copied})
	return m.next(defaultMockChat)
}

func (m *MockClient) next(fallback string) (string, error) {
	if len(m.replies) == 0 {
		return fallback, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r.Text, r.Err
}

// Calls returns a copy of every recorded call.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
