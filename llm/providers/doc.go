/*
Package providers holds the pieces shared by all vendor adapters:
the OpenAI-compatible wire types and converters, HTTP error mapping
into the types error taxonomy, and small request helpers.

Concrete adapters live in subpackages:

  - providers/openai: OpenAI and any API speaking its chat format
  - providers/anthropic: the Anthropic Messages API

Both normalize stop reasons and tool calls into the neutral llm types,
so callers never branch on the vendor.
*/
package providers
