package sqlstore

import (
	"context"
	"strings"

	core "gopersist/data/db"
	sqlb "gopersist/data/db/sql"
	"gopersist/logging"
	"gopersist/persistence"
)

// SchemaSync 创建缺失的表、列、关联表与索引，并登记列类型
//
// 已存在的表只补充缺失的列，不修改或删除已有列。重复调用是幂等的。
func (s *Store) SchemaSync(ctx context.Context, tx persistence.Tx, schema *persistence.Schema) error {
	if tx == nil {
		implicit, err := s.Begin(ctx)
		if err != nil {
			return err
		}
		if err := s.SchemaSync(ctx, implicit, schema); err != nil {
			_ = implicit.Rollback()
			return err
		}
		return implicit.Commit()
	}

	db, release, err := s.conn(tx)
	if err != nil {
		return err
	}
	defer release()
	b := sqlb.New(db)
	d := s.dialect

	added := 0
	for _, meta := range schema.Types {
		create := b.CreateTable(meta.Name).Column("id", d.TextType()+" NOT NULL")
		for _, col := range meta.Columns() {
			create = create.Column(col, d.ColumnType(string(meta.ColumnType(col))))
		}
		if _, err := create.PrimaryKey("id").Exec(ctx); err != nil {
			return err
		}

		existing, err := s.existingColumns(ctx, db, meta.Name)
		if err != nil {
			return err
		}
		for _, col := range meta.Columns() {
			if existing[col] {
				continue
			}
			if _, err := b.AddColumn(meta.Name, col, d.ColumnType(string(meta.ColumnType(col)))).Exec(ctx); err != nil {
				return err
			}
			added++
		}

		for _, idx := range meta.Indexes {
			name := "idx_" + meta.Name + "_" + strings.Join(idx.Columns, "_")
			if _, err := b.CreateIndex(name, meta.Name, idx.Unique, idx.Columns...).Exec(ctx); err != nil {
				return err
			}
		}
	}

	for _, j := range schema.Junctions {
		_, err := b.CreateTable(j.Table).
			Column(j.Columns[0], d.TextType()+" NOT NULL").
			Column(j.Columns[1], d.TextType()+" NOT NULL").
			PrimaryKey(j.Columns[0], j.Columns[1]).
			Exec(ctx)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	for _, meta := range schema.Types {
		s.types[meta.Name] = meta
	}
	s.mu.Unlock()

	s.logger.Info(ctx, "SQL 模式同步完成",
		logging.String("dialect", string(d.Name())),
		logging.Int("types", len(schema.Types)),
		logging.Int("junctions", len(schema.Junctions)),
		logging.Int("added_columns", added),
	)
	return nil
}

// existingColumns 通过空结果集读取表的现有列
func (s *Store) existingColumns(ctx context.Context, db core.IDatabase, table string) (map[string]bool, error) {
	rows, err := sqlb.New(db).Select("*").From(table).Where("1 = 0").Query(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(cols))
	for _, c := range cols {
		out[c] = true
	}
	return out, rows.Err()
}
