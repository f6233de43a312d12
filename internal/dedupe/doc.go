// Package dedupe keeps a short-lived memory of processed inbound events so
// webhook redeliveries can be answered without taking the customer lock.
package dedupe
