// Package prompts assembles the model input for each conversational
// turn.
//
// Prompt text is Go code rather than config files because it is program
// logic: the sections are interpolated from tenant settings, session
// state and analysis, and their order is part of the contract. Tenant
// specific wording (persona, knowledge, examples, talents) lives in the
// tenant directory; this package holds the fixed scaffolding around it.
//
// Every prompt has the same five sections in the same order: persona,
// knowledge, examples, history, steering. History is never truncated.
package prompts
