// Package providerhttp holds the HTTP plumbing shared by the provider
// adapters: per-account transport stacks, JSON request helpers, the OAuth
// token client, message body codecs, and webhook payload validation.
package providerhttp
