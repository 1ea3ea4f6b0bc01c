// Package openai is a small client for the OpenAI-compatible chat and text
// completion endpoints exposed by inference providers. Request signing is not
// done here: callers inject an *http.Client whose transport adds the headers a
// provider requires.
package openai
