// Package orm defines the table-oriented data-access port consumed by the
// authentication engine and its plugins, together with a composable predicate
// AST that backends translate into their native query language.
//
// The engine never builds SQL. Every read and write goes through the ORM
// interface with an Expr tree, so any store that can answer tabular CRUD with
// filters can host the engine: Postgres, SQLite, a document store, or the
// bundled in-memory implementation.
//
// Building predicates:
//
//	q := orm.Query{
//		Where: orm.And(
//			orm.Eq("provider", "email"),
//			orm.Eq("identifier", "user@example.com"),
//		),
//		OrderBy: []orm.Order{{Field: "created_at", Desc: true}},
//		Limit:   10,
//	}
//	rec, err := store.FindFirst(ctx, "identities", q)
//
// Multi-record mutations run inside a transactional scope so a failed or
// cancelled step never leaves partial writes behind:
//
//	err := store.Transaction(ctx, func(tx orm.ORM) error {
//		subject, err := tx.Create(ctx, "subjects", orm.Record{})
//		if err != nil {
//			return err
//		}
//		_, err = tx.Create(ctx, "identities", orm.Record{
//			"subject_id": subject.String("id"),
//			"provider":   "email",
//			"identifier": email,
//		})
//		return err
//	})
//
// The in-memory Memory store implements the full interface for tests and
// local development.
package orm
