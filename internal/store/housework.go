package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/dukerupert/housework/internal/model"
)

// HouseworkRepository is the persistence contract for housework records.
// Lookups that find nothing return a nil record and a nil error.
type HouseworkRepository interface {
	Create(f model.HouseworkFields) (*model.Housework, error)
	GetByID(id int64) (*model.Housework, error)
	List(filter HouseworkFilter) ([]model.Housework, error)
	Count(filter HouseworkFilter) (int, error)
	Update(id int64, f model.HouseworkFields) (*model.Housework, error)
	Delete(id int64) (bool, error)
}

// HouseworkFilter narrows List and Count. Zero values match everything.
type HouseworkFilter struct {
	Term     string // exact match
	TaskName string // case-insensitive substring match
	Limit    int
	Offset   int
}

func (f HouseworkFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Term != "" {
		clauses = append(clauses, "term = ?")
		args = append(args, f.Term)
	}
	if f.TaskName != "" {
		clauses = append(clauses, "task_name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.TaskName)+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type HouseworkStore struct {
	db *sql.DB
}

var _ HouseworkRepository = (*HouseworkStore)(nil)

func NewHouseworkStore(db *sql.DB) *HouseworkStore {
	return &HouseworkStore{db: db}
}

func scanHousework(scanner interface{ Scan(...any) error }) (*model.Housework, error) {
	var h model.Housework
	err := scanner.Scan(&h.ID, &h.TaskName, &h.Term, &h.Point, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

const houseworkCols = `id, task_name, term, point, created_at, updated_at`

func (s *HouseworkStore) Create(f model.HouseworkFields) (*model.Housework, error) {
	result, err := s.db.Exec(
		`INSERT INTO houseworks (task_name, term, point) VALUES (?, ?, ?)`,
		f.TaskName, f.Term, f.Point,
	)
	if err != nil {
		return nil, fmt.Errorf("insert housework: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *HouseworkStore) GetByID(id int64) (*model.Housework, error) {
	row := s.db.QueryRow(`SELECT `+houseworkCols+` FROM houseworks WHERE id = ?`, id)
	h, err := scanHousework(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get housework: %w", err)
	}
	return h, nil
}

// List returns records in insertion order.
func (s *HouseworkStore) List(filter HouseworkFilter) ([]model.Housework, error) {
	where, args := filter.where()
	query := `SELECT ` + houseworkCols + ` FROM houseworks` + where + ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list houseworks: %w", err)
	}
	defer rows.Close()

	var houseworks []model.Housework
	for rows.Next() {
		h, err := scanHousework(rows)
		if err != nil {
			return nil, fmt.Errorf("scan housework: %w", err)
		}
		houseworks = append(houseworks, *h)
	}
	return houseworks, rows.Err()
}

// Count ignores Limit and Offset.
func (s *HouseworkStore) Count(filter HouseworkFilter) (int, error) {
	where, args := filter.where()
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM houseworks`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count houseworks: %w", err)
	}
	return count, nil
}

func (s *HouseworkStore) Update(id int64, f model.HouseworkFields) (*model.Housework, error) {
	result, err := s.db.Exec(
		`UPDATE houseworks SET task_name = ?, term = ?, point = ? WHERE id = ?`,
		f.TaskName, f.Term, f.Point, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update housework: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetByID(id)
}

func (s *HouseworkStore) Delete(id int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM houseworks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete housework: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
