// Package schema validates step input and output payloads declaratively.
// Steps declare their expected fields once; the engine runs the schema before
// invoking the step and surfaces every violation at once.
//
//	var registerSchema = schema.New().
//		Field("email", schema.Required(), schema.Email()).
//		Field("password", schema.Required(), schema.MinLen(8))
//
//	if err := registerSchema.Validate(input); err != nil {
//		ve, _ := schema.AsErrors(err)
//		// ve.Fields lists every offending field
//	}
package schema
