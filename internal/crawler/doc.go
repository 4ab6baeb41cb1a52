// Package crawler holds the domain types shared by the scheduler, indexer,
// fetcher and coordinator: the versioned crawl job, fetch request/response
// shapes, URL helpers and the collaborator interfaces each role depends on.
package crawler
