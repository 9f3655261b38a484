// Package grant defines the domain model shared by the scraping engine:
// sources, jobs, grants and funders, the engine and store contracts, and the
// error taxonomy used to decide what is retried.
package grant
