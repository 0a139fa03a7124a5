package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"mailflow/internal/domain"
)

// Kanban data types.

// KanbanBoard describes a board.
type KanbanBoard struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// KanbanCard describes a card on a board.
type KanbanCard struct {
	ID          string `json:"id"`
	BoardID     string `json:"board_id"`
	Column      string `json:"column"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

// CreateCardInput is the input for creating a card.
type CreateCardInput struct {
	Column      string `json:"column"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

// MoveCardInput is the input for moving a card between columns.
type MoveCardInput struct {
	Column string `json:"column"`
}

// KanbanBackend abstracts board/card operations.
type KanbanBackend interface {
	ListBoards(ctx context.Context) ([]KanbanBoard, error)
	ListCards(ctx context.Context, boardID string) ([]KanbanCard, error)
	GetCard(ctx context.Context, boardID, cardID string) (*KanbanCard, error)
	CreateCard(ctx context.Context, boardID string, input CreateCardInput) (*KanbanCard, error)
	MoveCard(ctx context.Context, boardID, cardID string, move MoveCardInput) (*KanbanCard, error)
	DeleteCard(ctx context.Context, boardID, cardID string) error
}

// MockKanbanBackend is an in-memory backend for testing/development.
type MockKanbanBackend struct {
	boards []KanbanBoard
	cards  map[string][]KanbanCard // key: boardID
	nextID int
}

// NewMockKanbanBackend creates a mock kanban backend with a single default board.
func NewMockKanbanBackend() *MockKanbanBackend {
	return &MockKanbanBackend{
		boards: []KanbanBoard{{ID: "default", Name: "Default Board"}},
		cards:  make(map[string][]KanbanCard),
		nextID: 1,
	}
}

func (m *MockKanbanBackend) ListBoards(_ context.Context) ([]KanbanBoard, error) {
	return m.boards, nil
}

func (m *MockKanbanBackend) ListCards(_ context.Context, boardID string) ([]KanbanCard, error) {
	return m.cards[boardID], nil
}

func (m *MockKanbanBackend) GetCard(_ context.Context, boardID, cardID string) (*KanbanCard, error) {
	for _, c := range m.cards[boardID] {
		if c.ID == cardID {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("card %q not found", cardID)
}

func (m *MockKanbanBackend) CreateCard(_ context.Context, boardID string, input CreateCardInput) (*KanbanCard, error) {
	card := KanbanCard{
		ID:          fmt.Sprintf("card-%d", m.nextID),
		BoardID:     boardID,
		Column:      input.Column,
		Title:       input.Title,
		Description: input.Description,
		Assignee:    input.Assignee,
	}
	m.nextID++
	m.cards[boardID] = append(m.cards[boardID], card)
	return &card, nil
}

func (m *MockKanbanBackend) MoveCard(_ context.Context, boardID, cardID string, move MoveCardInput) (*KanbanCard, error) {
	cards := m.cards[boardID]
	for i := range cards {
		if cards[i].ID == cardID {
			cards[i].Column = move.Column
			m.cards[boardID] = cards
			return &cards[i], nil
		}
	}
	return nil, fmt.Errorf("card %q not found", cardID)
}

func (m *MockKanbanBackend) DeleteCard(_ context.Context, boardID, cardID string) error {
	cards := m.cards[boardID]
	for i, c := range cards {
		if c.ID == cardID {
			m.cards[boardID] = append(cards[:i], cards[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("card %q not found", cardID)
}

// KanbanTool provides task-board operations to the LLM.
type KanbanTool struct {
	backend KanbanBackend
	logger  *slog.Logger
}

// NewKanbanTool creates a kanban tool. If backend is nil, a MockKanbanBackend is used.
func NewKanbanTool(backend KanbanBackend, logger *slog.Logger) *KanbanTool {
	if backend == nil {
		backend = NewMockKanbanBackend()
	}
	return &KanbanTool{backend: backend, logger: logger}
}

func (t *KanbanTool) Name() string { return "kanban" }
func (t *KanbanTool) Description() string {
	return "Manage task boards: list boards, list/get/create/move/delete cards."
}

func (t *KanbanTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["list_boards", "list_cards", "get_card", "create_card", "move_card", "delete_card"],
					"description": "The kanban action to perform"
				},
				"board_id": {
					"type": "string",
					"description": "Board ID (required for card operations)"
				},
				"card_id": {
					"type": "string",
					"description": "Card ID (for get/move/delete)"
				},
				"column": {
					"type": "string",
					"description": "Column name, e.g. todo, in_progress, done"
				},
				"title": {
					"type": "string",
					"description": "Card title"
				},
				"description": {
					"type": "string",
					"description": "Card description"
				},
				"assignee": {
					"type": "string",
					"description": "Assignee username or address"
				}
			},
			"required": ["action"]
		}`),
	}
}

type kanbanParams struct {
	Action      string `json:"action"`
	BoardID     string `json:"board_id,omitempty"`
	CardID      string `json:"card_id,omitempty"`
	Column      string `json:"column,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

func (t *KanbanTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.kanban", t.logger, params,
		Dispatch(func(p kanbanParams) string { return p.Action }, ActionMap[kanbanParams]{
			"list_boards": t.handleListBoards,
			"list_cards":  t.handleListCards,
			"get_card":    t.handleGetCard,
			"create_card": t.handleCreateCard,
			"move_card":   t.handleMoveCard,
			"delete_card": t.handleDeleteCard,
		}),
	)
}

func (t *KanbanTool) handleListBoards(ctx context.Context, _ kanbanParams) (any, error) {
	boards, err := t.backend.ListBoards(ctx)
	if err != nil {
		return nil, err
	}
	if len(boards) == 0 {
		return TextResult("No boards found."), nil
	}
	return boards, nil
}

func (t *KanbanTool) handleListCards(ctx context.Context, p kanbanParams) (any, error) {
	if err := RequireField("board_id", p.BoardID); err != nil {
		return nil, err
	}
	cards, err := t.backend.ListCards(ctx, p.BoardID)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return TextResult("No cards found."), nil
	}
	return cards, nil
}

func (t *KanbanTool) handleGetCard(ctx context.Context, p kanbanParams) (any, error) {
	if err := RequireFields("board_id", p.BoardID, "card_id", p.CardID); err != nil {
		return nil, err
	}
	return t.backend.GetCard(ctx, p.BoardID, p.CardID)
}

func (t *KanbanTool) handleCreateCard(ctx context.Context, p kanbanParams) (any, error) {
	if err := RequireFields("board_id", p.BoardID, "column", p.Column, "title", p.Title); err != nil {
		return nil, err
	}
	return t.backend.CreateCard(ctx, p.BoardID, CreateCardInput{
		Column:      p.Column,
		Title:       p.Title,
		Description: p.Description,
		Assignee:    p.Assignee,
	})
}

func (t *KanbanTool) handleMoveCard(ctx context.Context, p kanbanParams) (any, error) {
	if err := RequireFields("board_id", p.BoardID, "card_id", p.CardID, "column", p.Column); err != nil {
		return nil, err
	}
	return t.backend.MoveCard(ctx, p.BoardID, p.CardID, MoveCardInput{Column: p.Column})
}

func (t *KanbanTool) handleDeleteCard(ctx context.Context, p kanbanParams) (any, error) {
	if err := RequireFields("board_id", p.BoardID, "card_id", p.CardID); err != nil {
		return nil, err
	}
	if err := t.backend.DeleteCard(ctx, p.BoardID, p.CardID); err != nil {
		return nil, err
	}
	t.logger.Debug("card deleted", "board_id", p.BoardID, "card_id", p.CardID)
	return TextResult(fmt.Sprintf("Card %q deleted from board %q", p.CardID, p.BoardID)), nil
}
