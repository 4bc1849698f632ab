// Package crawler holds the shared vocabulary of the crawl engine: scopes,
// stages, records, checkpoints, the failure taxonomy, the Fetcher and Store
// contracts, and the fetch-side policies (retry, politeness, challenge
// detection) that every strategy shares.
package crawler
