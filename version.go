package httpsource

// Version is the connector release version
const Version = "0.3.0"
