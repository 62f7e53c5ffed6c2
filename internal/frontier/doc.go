// Package frontier defines the types and capabilities shared by the crawl
// frontier: the partitioned buffer, the fetch scheduler, the refill controller
// and the durable status store they talk to.
package frontier
