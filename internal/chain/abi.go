package chain

// settlementABI covers the settlement contract entry points used here.
const settlementABI = `[
	{"type":"function","name":"dispenseFromPool","stateMutability":"nonpayable",
	 "inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"executeEscrow","stateMutability":"nonpayable",
	 "inputs":[{"name":"escrowId","type":"bytes32"},{"name":"custody","type":"address"}],"outputs":[]},
	{"type":"function","name":"partialFillEscrow","stateMutability":"nonpayable",
	 "inputs":[{"name":"escrowId","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"}],"outputs":[]},
	{"type":"function","name":"pushOracleRate","stateMutability":"nonpayable",
	 "inputs":[{"name":"midRate","type":"uint256"},{"name":"spreadBps","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"poolBalance","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"EscrowRefunded","anonymous":false,
	 "inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"to","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`
