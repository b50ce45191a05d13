// Package expr evaluates the boolean conditions attached to agent trigger rules.
//
// # Overview
//
// Conditions are short strings evaluated against an event's variable map
// (see event.Event.Vars). A rule fires only when every one of its conditions
// holds:
//
//	agent_triggers:
//	  test-runner:
//	    events: [file.modified]
//	    conditions:
//	      - "payload.file_path matches '**/*_test.go'"
//	      - "context.producer != 'test-runner'"
//
// # Expression Syntax
//
//	<expr> := <comparison>
//	        | <expr> 'and' <expr>
//	        | <expr> 'or' <expr>
//	        | 'not' <expr>
//	        | '!' <expr>
//	        | <value>
//
//	<comparison> := <value> <op> <value>
//	<op> := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains' | 'matches'
//	      | 'startswith' | 'endswith' | 'in'
//	<value> := 'string' | "string" | number | true | false | null | path
//
// # Operators
//
//	==          Equal (string comparison)
//	!=          Not equal (string comparison)
//	<  >        Numeric comparison
//	<= >=       Numeric comparison
//	contains    Left contains right as a substring
//	matches     Left matches the right glob; '**' spans directories
//	startswith  Left has right as a prefix
//	endswith    Left has right as a suffix
//	in          Left equals one of the comma-separated items on the right
//
// # Variables
//
// Identifiers are looked up in the vars map. Dotted paths walk nested maps,
// so "payload.file_path" reads vars["payload"]["file_path"]. An identifier
// that resolves to nothing is treated as a string literal.
//
// # Precedence
//
// Expressions split on the first "and" before any "or" is considered, so
// "a or b and c" evaluates as "(a or b) and c". Parentheses are not
// supported; split complex logic across several conditions.
package expr
