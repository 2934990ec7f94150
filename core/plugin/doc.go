// Package plugin defines the contracts between the authentication engine and
// its pluggable credential providers: the Plugin and Step types, the uniform
// Result envelope with its status lexicon, root hooks, aggregated config
// validation, and the bounded-callback helper for injected delivery functions.
//
// A plugin is a bundle of steps forming a small state machine
// (register → verify → authenticate → rotate/revoke). Each step declares its
// recognized inputs, validation schemas, advisory HTTP mapping, and a Run
// body. Expected failures travel inside the Result; returned errors are
// infrastructure faults the engine masks.
package plugin
