// Package capability holds the read-only Capabilities and Properties of a
// Fingerprint module.
//
// Values come from the configuration as strings and are typed once at
// startup: "750" is an int, "true" a bool, "0.5" a float, "1280,1024" an
// int array, anything else a string. The tables never change afterwards
// and are shared by the backends, the object-model publisher and the API.
package capability
